// Package identity implements the per-request thread identity shim that
// lets crossfs and etcfs open backing files as the calling user rather
// than as root. FUSE delivers the caller's uid, gid, and pid with every
// request, but Go's os/syscall Setuid/Setgid are process-wide: calling
// them from one goroutine would race every other goroutine's file
// access. Instead each FUSE worker goroutine locks itself to its OS
// thread and raises/lowers that thread's credentials with the raw
// per-thread syscalls in golang.org/x/sys/unix.
package identity

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
)

// Caller identifies the user making a FUSE request, as delivered in the
// request's fuse.Context.
type Caller struct {
	UID uint32
	GID uint32
	PID uint32
}

// Shim impersonates a Caller on the current OS thread for the duration
// of one FUSE operation. The daemon itself must run as root (euid 0)
// for Shim.Enter to have anything to raise from.
type Shim struct {
	groupCacheMu sync.Mutex
	groupCache   map[uint32][]uint32
}

// New creates a Shim. The daemon process must already run with euid 0;
// New does not check this itself since it is called once at startup
// before any caller identity is known.
func New() *Shim {
	return &Shim{groupCache: make(map[uint32][]uint32)}
}

// Token is returned by Enter and must be passed to Leave exactly once,
// on the same goroutine, to restore the thread to root and unlock it.
type Token struct {
	locked bool
}

// Enter locks the calling goroutine to its OS thread and raises that
// thread's credentials to caller's uid/gid/supplementary groups, in
// the order groups, gid, uid -- dropping uid last keeps the privilege
// needed to set gid and groups until those are already set.
//
// If the supplementary group lookup fails (e.g. the caller's pid has
// already exited and /proc/<pid>/status is gone), Enter falls back to
// an empty supplementary group list rather than failing the whole
// operation: the backing file's own permission bits still apply via
// uid/gid.
func (s *Shim) Enter(caller Caller) (Token, error) {
	runtime.LockOSThread()

	groups := s.supplementaryGroups(caller.PID, caller.UID)

	if err := unix.Setgroups(toIntGroups(groups)); err != nil {
		runtime.UnlockOSThread()
		return Token{}, errors.NewError(errors.ErrCodeIdentityShim,
			fmt.Sprintf("setgroups failed for pid %d: %v", caller.PID, err)).
			WithComponent("identity").WithOperation("enter")
	}

	if err := setThreadGid(caller.GID); err != nil {
		s.restoreRoot()
		runtime.UnlockOSThread()
		return Token{}, errors.NewError(errors.ErrCodeIdentityShim,
			fmt.Sprintf("setresgid failed for gid %d: %v", caller.GID, err)).
			WithComponent("identity").WithOperation("enter")
	}

	if err := setThreadUid(caller.UID); err != nil {
		s.restoreRoot()
		runtime.UnlockOSThread()
		return Token{}, errors.NewError(errors.ErrCodeIdentityShim,
			fmt.Sprintf("setresuid failed for uid %d: %v", caller.UID, err)).
			WithComponent("identity").WithOperation("enter")
	}

	return Token{locked: true}, nil
}

// Leave restores the calling OS thread to euid/egid 0 and unlocks the
// goroutine from it. It must be called via defer immediately after a
// successful Enter, even if the protected operation itself failed.
func (s *Shim) Leave(tok Token) {
	if !tok.locked {
		return
	}
	s.restoreRoot()
	runtime.UnlockOSThread()
}

func (s *Shim) restoreRoot() {
	_ = setThreadUid(0)
	_ = setThreadGid(0)
	_ = unix.Setgroups(nil)
}

func setThreadUid(uid uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_SETRESUID, uintptr(uid), uintptr(uid), uintptr(0))
	if errno != 0 {
		return errno
	}
	return nil
}

func setThreadGid(gid uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_SETRESGID, uintptr(gid), uintptr(gid), uintptr(0))
	if errno != 0 {
		return errno
	}
	return nil
}

func toIntGroups(groups []uint32) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = int(g)
	}
	return out
}

// supplementaryGroups reads the caller's supplementary groups from
// /proc/<pid>/status, caching by uid since group membership for a
// given user rarely changes within one daemon's lifetime and the
// /proc read is on the hot path of every FUSE request. Caching by gid
// instead would be wrong: distinct users commonly share a primary
// gid, and a cache keyed on it would hand one user's supplementary
// groups to another. Keying on uid instead keeps the cache's identity
// aligned with spec.md §4.1 step 3, which reads the *caller's* groups.
func (s *Shim) supplementaryGroups(pid uint32, uid uint32) []uint32 {
	s.groupCacheMu.Lock()
	if cached, ok := s.groupCache[uid]; ok {
		s.groupCacheMu.Unlock()
		return cached
	}
	s.groupCacheMu.Unlock()

	groups, err := readProcGroups(pid)
	if err != nil {
		return nil
	}

	s.groupCacheMu.Lock()
	s.groupCache[uid] = groups
	s.groupCacheMu.Unlock()
	return groups
}

func readProcGroups(pid uint32) ([]uint32, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Groups:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Groups:"))
		groups := make([]uint32, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				continue
			}
			groups = append(groups, uint32(n))
		}
		return groups, nil
	}
	return nil, fmt.Errorf("no Groups line in /proc/%d/status", pid)
}
