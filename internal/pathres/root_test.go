package pathres

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStrategy_String(t *testing.T) {
	if StrategyOpenat2.String() != "openat2" {
		t.Errorf("StrategyOpenat2.String() = %q", StrategyOpenat2.String())
	}
	if StrategyChroot.String() != "chroot" {
		t.Errorf("StrategyChroot.String() = %q", StrategyChroot.String())
	}
}

func TestNewRooter_SelectsAStrategy(t *testing.T) {
	r := NewRooter()
	if r.Strategy() != StrategyOpenat2 && r.Strategy() != StrategyChroot {
		t.Fatalf("unexpected strategy %v", r.Strategy())
	}
}

func TestRooter_OpenInRoot_Openat2(t *testing.T) {
	if !probeOpenat2() {
		t.Skip("openat2(RESOLVE_IN_ROOT) unavailable on this kernel")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	rootFd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(rootFd)

	r := &Rooter{strategy: StrategyOpenat2, currentRootFd: -1}
	fd, err := r.OpenInRoot(rootFd, "file.txt", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenInRoot() = %v", err)
	}
	defer unix.Close(fd)

	buf := make([]byte, 2)
	n, err := unix.Read(fd, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hi" {
		t.Errorf("read %q, want %q", buf[:n], "hi")
	}
}
