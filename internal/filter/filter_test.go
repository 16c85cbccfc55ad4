package filter

import (
	"testing"

	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Get(types.FilterKind("bogus")); err == nil {
		t.Fatal("expected error for unknown filter kind")
	}
}

func TestPassVariantRoundTrip(t *testing.T) {
	r := NewRegistry(nil)
	v, err := r.Get(types.FilterPass)
	if err != nil {
		t.Fatal(err)
	}
	ctx := Context{Backings: []ResolvedBacking{{Data: []byte("hello world"), Mode: 0644}}}

	attrs, err := v.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if attrs.Size != 11 {
		t.Errorf("expected size 11, got %d", attrs.Size)
	}

	out, err := v.StreamBytes(ctx, 6, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "world" {
		t.Errorf("expected %q, got %q", "world", out)
	}
}

func TestClipPastEnd(t *testing.T) {
	out := clip([]byte("short"), 100, 10)
	if len(out) != 0 {
		t.Errorf("expected empty slice, got %q", out)
	}
}

func TestClipClampsLength(t *testing.T) {
	out := clip([]byte("hello"), 2, 100)
	if string(out) != "llo" {
		t.Errorf("expected %q, got %q", "llo", out)
	}
}
