package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

func writeBouncer(t *testing.T, data []byte, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bouncer")
	if err := os.WriteFile(path, data, mode); err != nil {
		t.Fatalf("failed to write bouncer fixture: %v", err)
	}
	return path
}

func TestBinVariantUsesBouncerBytes(t *testing.T) {
	path := writeBouncer(t, []byte("bouncer-bytes"), 0755|os.ModeSetuid)

	bouncer, err := LoadBouncer(path)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(bouncer)

	v, err := r.Get(types.FilterBin)
	if err != nil {
		t.Fatal(err)
	}

	ctx := Context{Backings: []ResolvedBacking{{Data: []byte("real executable, ignored"), Mode: 0755}}}
	attrs, err := v.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if attrs.Size != int64(len("bouncer-bytes")) {
		t.Errorf("expected bouncer size, got %d", attrs.Size)
	}
	if attrs.Mode&modeSetuid != 0 {
		t.Error("expected setuid bit stripped")
	}
	if attrs.Mode&modeRead != modeRead {
		t.Error("expected read bits present")
	}

	out, err := v.StreamBytes(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "bouncer-bytes" {
		t.Errorf("expected bouncer bytes, got %q", out)
	}
}

func TestBinVariantNoBouncerLoaded(t *testing.T) {
	r := NewRegistry(nil)
	v, err := r.Get(types.FilterBinRestrict)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Attrs(Context{}); err == nil {
		t.Fatal("expected error when no bouncer is loaded")
	}
}
