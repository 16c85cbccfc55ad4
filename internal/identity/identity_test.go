package identity

import (
	"os"
	"testing"
)

func TestReadProcGroups_Self(t *testing.T) {
	t.Parallel()

	groups, err := readProcGroups(uint32(os.Getpid()))
	if err != nil {
		t.Fatalf("readProcGroups(self) = %v", err)
	}
	// The Groups: line may list no groups, but finding it yields a
	// non-nil (possibly empty) slice.
	if groups == nil {
		t.Error("expected a non-nil group slice for the current process")
	}
}

func TestReadProcGroups_NoSuchPid(t *testing.T) {
	t.Parallel()

	if _, err := readProcGroups(0xffffff); err == nil {
		t.Error("expected an error for a pid that cannot exist")
	}
}

func TestToIntGroups(t *testing.T) {
	t.Parallel()

	got := toIntGroups([]uint32{0, 100, 65534})
	want := []int{0, 100, 65534}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestShim_SupplementaryGroups_CachesByUid(t *testing.T) {
	t.Parallel()

	s := New()
	pid := uint32(os.Getpid())

	first := s.supplementaryGroups(pid, 1000)
	s.groupCacheMu.Lock()
	_, cached := s.groupCache[1000]
	s.groupCacheMu.Unlock()
	if !cached {
		t.Fatal("expected uid 1000 to be cached after first lookup")
	}

	second := s.supplementaryGroups(pid, 1000)
	if len(first) != len(second) {
		t.Errorf("cached lookup returned a different result: %v vs %v", first, second)
	}
}

func TestShim_SupplementaryGroups_DoesNotConflateSharedGid(t *testing.T) {
	t.Parallel()

	s := New()
	pid := uint32(os.Getpid())

	// Two distinct callers sharing a primary gid must not poison each
	// other's cached supplementary groups: the cache key is uid, not
	// the (possibly shared) gid.
	s.supplementaryGroups(pid, 2000)
	s.groupCacheMu.Lock()
	_, cachedOther := s.groupCache[2001]
	s.groupCacheMu.Unlock()
	if cachedOther {
		t.Fatal("caching for uid 2000 must not populate an entry for a different uid")
	}
}

func TestShim_New(t *testing.T) {
	t.Parallel()

	s := New()
	if s.groupCache == nil {
		t.Error("expected New to initialize the group cache")
	}
}

func TestToken_LeaveNoop_WhenNotLocked(t *testing.T) {
	t.Parallel()

	s := New()
	// A zero-value Token was never returned by a successful Enter; Leave
	// must be a no-op rather than unlocking an OS thread it never locked.
	s.Leave(Token{})
}
