package stratum

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func makeStratumDir(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := unix.Setxattr(dir, xattrName, []byte(name), 0); err != nil {
		t.Skipf("user xattrs unsupported on this filesystem: %v", err)
	}
}

func TestPool_Acquire_OpensAndVerifies(t *testing.T) {
	root := t.TempDir()
	makeStratumDir(t, root, "kde")

	p := NewPool(root)
	h, err := p.Acquire("kde")
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	defer h.Close()

	if h.Name() != "kde" {
		t.Errorf("Name() = %q, want %q", h.Name(), "kde")
	}
	if h.RootFd() < 0 {
		t.Error("expected a valid root fd")
	}
}

func TestPool_Acquire_MismatchedXattr(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "gnome")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := unix.Setxattr(dir, xattrName, []byte("wrong-name"), 0); err != nil {
		t.Skipf("user xattrs unsupported on this filesystem: %v", err)
	}

	p := NewPool(root)
	if _, err := p.Acquire("gnome"); err == nil {
		t.Error("expected an error for a stratum whose xattr names a different stratum")
	}
}

func TestPool_Acquire_MissingXattr(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bare")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	p := NewPool(root)
	if _, err := p.Acquire("bare"); err == nil {
		t.Error("expected an error for a stratum directory with no stamped xattr")
	}
}

func TestPool_Acquire_NoSuchStratum(t *testing.T) {
	p := NewPool(t.TempDir())
	if _, err := p.Acquire("nonexistent"); err == nil {
		t.Error("expected an error for a nonexistent stratum directory")
	}
}

func TestPool_Acquire_SharesHandle(t *testing.T) {
	root := t.TempDir()
	makeStratumDir(t, root, "kde")

	p := NewPool(root)
	a, err := p.Acquire("kde")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire("kde")
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Error("expected Acquire to return the same Handle for concurrent references")
	}
	if p.Count() != 1 {
		t.Errorf("Count() = %d, want 1", p.Count())
	}

	a.Close()
	if p.Count() != 1 {
		t.Error("handle should remain pooled while a second reference is outstanding")
	}
	b.Close()
	if p.Count() != 0 {
		t.Error("handle should be forgotten once the last reference closes")
	}
}

func TestPool_Acquire_RejectsLocalAlias(t *testing.T) {
	p := NewPool(t.TempDir())
	if _, err := p.Acquire(LocalAlias); err == nil {
		t.Error("expected Acquire to reject the local alias; callers must use ResolveLocal")
	}
}

func TestResolveLocal_FallsBackWhenProcRootUnreadable(t *testing.T) {
	root := t.TempDir()
	makeStratumDir(t, root, FallbackStratum)

	p := NewPool(root)
	h, err := ResolveLocal(p, 0xfffffe)
	if err != nil {
		t.Fatalf("ResolveLocal() = %v", err)
	}
	defer h.Close()

	if h.Name() != FallbackStratum {
		t.Errorf("Name() = %q, want fallback %q", h.Name(), FallbackStratum)
	}
}
