package pathres

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
)

// Strategy identifies which chroot-escape-avoidance primitive a Rooter
// uses to evaluate a backing path as if rooted at a stratum directory.
type Strategy int

const (
	// StrategyOpenat2 resolves paths with openat2's RESOLVE_IN_ROOT,
	// confining symlink resolution to the given directory without
	// ever changing the process's actual root. Requires Linux 5.6+.
	StrategyOpenat2 Strategy = iota
	// StrategyChroot falls back to fchdir+chroot(".") under a
	// process-wide mutex when openat2 is unavailable.
	StrategyChroot
)

func (s Strategy) String() string {
	if s == StrategyOpenat2 {
		return "openat2"
	}
	return "chroot"
}

// Rooter opens a path as if the process were rooted at an arbitrary
// stratum directory, so that absolute symlinks stored inside a
// stratum resolve within that stratum instead of escaping to the real
// root. The strategy is selected once, at daemon startup, based on
// whether openat2(RESOLVE_IN_ROOT) is available on the running kernel.
type Rooter struct {
	strategy Strategy

	// mu and currentRootFd are only used by StrategyChroot: only one
	// thread may be inside the chroot critical section at a time, and
	// currentRootFd is a cache hint so consecutive operations against
	// the same stratum skip a redundant chroot call.
	mu            sync.Mutex
	currentRootFd int
}

// NewRooter probes the running kernel for openat2(RESOLVE_IN_ROOT)
// support and selects StrategyOpenat2 if available, else
// StrategyChroot. The probe result is fixed for the process lifetime.
func NewRooter() *Rooter {
	r := &Rooter{currentRootFd: -1}
	if probeOpenat2() {
		r.strategy = StrategyOpenat2
	} else {
		r.strategy = StrategyChroot
	}
	return r
}

// Strategy reports which primitive this Rooter selected at startup.
func (r *Rooter) Strategy() Strategy {
	return r.strategy
}

func probeOpenat2() bool {
	how := unix.OpenHow{Flags: unix.O_RDONLY, Resolve: unix.RESOLVE_IN_ROOT}
	fd, err := unix.Openat2(unix.AT_FDCWD, ".", &how)
	if err != nil {
		return err != unix.ENOSYS
	}
	unix.Close(fd)
	return true
}

// OpenInRoot opens relPath (relative, no leading slash expected to
// escape upward beyond rootFd) as if rootFd were the process's root
// directory, returning a file descriptor to it.
func (r *Rooter) OpenInRoot(rootFd int, relPath string, flags int, mode uint32) (int, error) {
	switch r.strategy {
	case StrategyOpenat2:
		return r.openat2(rootFd, relPath, flags, mode)
	default:
		return r.openChroot(rootFd, relPath, flags, mode)
	}
}

func (r *Rooter) openat2(rootFd int, relPath string, flags int, mode uint32) (int, error) {
	how := unix.OpenHow{
		Flags:   uint64(flags),
		Mode:    uint64(mode),
		Resolve: unix.RESOLVE_IN_ROOT,
	}
	fd, err := unix.Openat2(rootFd, relPath, &how)
	if err != nil {
		return -1, errors.NewError(errors.ErrCodeInternalError,
			"openat2 RESOLVE_IN_ROOT: "+err.Error()).
			WithComponent("pathres").WithOperation("open-in-root")
	}
	return fd, nil
}

// openChroot takes the process-wide chroot mutex, fchdir's to rootFd,
// chroots to ".", performs the open relative to the new root, and
// leaves the chroot in place as a cache hint for the next call that
// targets the same stratum. Only one thread may hold this section at
// a time: every FUSE worker that needs chroot must serialize here.
func (r *Rooter) openChroot(rootFd int, relPath string, flags int, mode uint32) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentRootFd != rootFd {
		if err := unix.Fchdir(rootFd); err != nil {
			return -1, errors.NewError(errors.ErrCodeInternalError,
				"fchdir to stratum root: "+err.Error()).
				WithComponent("pathres").WithOperation("open-in-root")
		}
		if err := unix.Chroot("."); err != nil {
			return -1, errors.NewError(errors.ErrCodeInternalError,
				"chroot to stratum root: "+err.Error()).
				WithComponent("pathres").WithOperation("open-in-root")
		}
		r.currentRootFd = rootFd
	}

	fd, err := unix.Open(relPath, flags, mode)
	if err != nil {
		return -1, errors.NewError(errors.ErrCodeInternalError,
			"open within chroot: "+err.Error()).
			WithComponent("pathres").WithOperation("open-in-root")
	}
	return fd, nil
}

// InvalidateCache drops the chroot cache hint, e.g. after a stratum
// root is closed and its fd may be reused for something else.
func (r *Rooter) InvalidateCache() {
	r.mu.Lock()
	r.currentRootFd = -1
	r.mu.Unlock()
}
