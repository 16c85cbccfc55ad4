// Package stratum resolves and tracks the stratum root directories that
// crossfs and etcfs route requests into. A stratum is just a directory
// under the strata root (conventionally /bedrock/strata/<name>) stamped
// with the user.bedrock.stratum extended attribute; this package opens
// that directory once, retains the descriptor, and reference-counts it
// across every routing entry that names it.
package stratum

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// LocalAlias is the sentinel backing-stratum name that dereferences to
// the caller's own stratum at request time instead of naming a fixed one.
const LocalAlias = "local"

// FallbackStratum is substituted when the caller's own stratum cannot
// be determined (sandboxed process, kernel thread, outside the PID
// namespace the daemon can see into).
const FallbackStratum = "bedrock"

// xattrName is the extended attribute stamped on every stratum root.
const xattrName = "user.bedrock.stratum"

// Handle is a reference-counted, opened stratum root directory. It
// satisfies types.StratumBackend.
type Handle struct {
	name string
	dir  *os.File
	pool *Pool

	mu   sync.Mutex
	refs int
}

var _ types.StratumBackend = (*Handle)(nil)

// Name returns the stratum's short identifier.
func (h *Handle) Name() string { return h.name }

// RootFd returns the open file descriptor of the stratum root, valid
// for openat2/*at syscalls rooted there.
func (h *Handle) RootFd() int { return int(h.dir.Fd()) }

// Path returns the stratum root's path on the host filesystem, as
// opened (e.g. "/bedrock/strata/kde").
func (h *Handle) Path() string { return h.dir.Name() }

// Close releases this reference to the stratum root. The underlying
// descriptor is closed, and the handle dropped from its pool, only
// once every Acquire/retain has a matching Close.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.refs--
	closed := h.refs <= 0
	h.mu.Unlock()

	if !closed {
		return nil
	}
	if h.pool != nil {
		h.pool.forget(h)
	}
	return h.dir.Close()
}

func (h *Handle) retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Pool resolves stratum names to Handles, sharing one open descriptor
// per stratum across every routing entry that references it.
type Pool struct {
	strataRoot string

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewPool creates a Pool rooted at strataRoot (e.g. /bedrock/strata).
func NewPool(strataRoot string) *Pool {
	return &Pool{
		strataRoot: strataRoot,
		handles:    make(map[string]*Handle),
	}
}

// Acquire resolves name to a Handle, opening and xattr-verifying the
// stratum root on first use and incrementing its reference count on
// every subsequent call. The caller must call Close on the returned
// Handle when done with the reference (typically: once per routing
// entry that retains it, for the lifetime of that entry).
func (p *Pool) Acquire(name string) (*Handle, error) {
	if name == "" || name == LocalAlias {
		return nil, errors.NewError(errors.ErrCodeStratumUnknown,
			"Acquire cannot resolve the local alias; use ResolveLocal per-request").
			WithComponent("stratum").WithOperation("acquire")
	}

	p.mu.Lock()
	if h, ok := p.handles[name]; ok {
		h.retain()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	dir, err := os.Open(fmt.Sprintf("%s/%s", p.strataRoot, name))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStratumUnknown,
			fmt.Sprintf("stratum %q: %v", name, err)).
			WithComponent("stratum").WithOperation("acquire")
	}

	if err := verifyStratumXattr(dir, name); err != nil {
		dir.Close()
		return nil, err
	}

	h := &Handle{name: name, dir: dir, pool: p, refs: 1}

	p.mu.Lock()
	if existing, ok := p.handles[name]; ok {
		p.mu.Unlock()
		dir.Close()
		existing.retain()
		return existing, nil
	}
	p.handles[name] = h
	p.mu.Unlock()

	return h, nil
}

// forget removes h from the pool once its last reference is released.
func (p *Pool) forget(h *Handle) {
	p.mu.Lock()
	if p.handles[h.name] == h {
		delete(p.handles, h.name)
	}
	p.mu.Unlock()
}

// Count returns the number of distinct strata currently tracked, for
// health/status reporting.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func verifyStratumXattr(dir *os.File, wantName string) error {
	buf := make([]byte, 256)
	n, err := unix.Fgetxattr(int(dir.Fd()), xattrName, buf)
	if err != nil {
		return errors.NewError(errors.ErrCodeStratumUnknown,
			fmt.Sprintf("stratum %q: missing %s xattr: %v", wantName, xattrName, err)).
			WithComponent("stratum").WithOperation("acquire")
	}
	got := string(buf[:n])
	if got != wantName {
		return errors.NewError(errors.ErrCodeStratumUnknown,
			fmt.Sprintf("stratum %q: %s xattr reports %q", wantName, xattrName, got)).
			WithComponent("stratum").WithOperation("acquire")
	}
	return nil
}

// ResolveLocal opens /proc/<pid>/root for the calling process and reads
// its user.bedrock.stratum xattr to determine which stratum that
// process considers itself to be running in. This is done fresh on
// every request instead of being cached, since a process may change
// strata (via strat) over the course of its lifetime. If resolution
// fails for any reason, the caller falls back to FallbackStratum.
func ResolveLocal(p *Pool, pid uint32) (*Handle, error) {
	procRoot := fmt.Sprintf("/proc/%d/root", pid)

	buf := make([]byte, 256)
	n, err := unix.Getxattr(procRoot, xattrName, buf)
	if err != nil {
		return p.Acquire(FallbackStratum)
	}

	name := string(buf[:n])
	h, err := p.Acquire(name)
	if err != nil {
		return p.Acquire(FallbackStratum)
	}
	return h, nil
}
