// Package crossfs implements the read-only FUSE front-end that
// exposes virtual paths backed by content-filtered files drawn from
// one or more strata (spec.md §4.4, §4.6). Writes are refused except
// to the control file, through which the live routing table is
// mutated.
package crossfs

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bedrocklinux/bedrock-core/internal/filter"
	"github.com/bedrocklinux/bedrock-core/internal/identity"
	"github.com/bedrocklinux/bedrock-core/internal/pathres"
	"github.com/bedrocklinux/bedrock-core/internal/store"
	"github.com/bedrocklinux/bedrock-core/internal/stratum"
	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/recovery"
	"github.com/bedrocklinux/bedrock-core/pkg/status"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// xattr names crossfs reports for every resolved backing file.
const (
	xattrStratum   = "user.bedrock.stratum"
	xattrLocalPath = "user.bedrock.localpath"
	xattrRestrict  = "user.bedrock.restrict"
)

// ControlFileName is the fixed virtual path of crossfs's control file.
const ControlFileName = "/.bedrock-config-filesystem"

// LocalAliasName is the fixed virtual path of crossfs's local-alias
// symlink, which dereferences to "<strata-root>/<caller-stratum>" at
// request time (spec.md §4.3, §6).
const LocalAliasName = "/.local-alias"

// Config wires an FS to the shared daemon components it needs.
type Config struct {
	Store      *store.CrossStore
	StrataPool *stratum.Pool
	Rooter     *pathres.Rooter
	Filters    *filter.Registry
	Identity   *identity.Shim
	StrataRoot string
	MountPoint string
	Metrics    types.MetricsCollector
	Status     *status.Tracker
	Guard      *recovery.Guard
}

// FS holds the state every node in crossfs's tree shares: the live
// routing table, the classifier built from it, and the plumbing
// needed to turn a matched routing entry into bytes.
type FS struct {
	store      *store.CrossStore
	strataPool *stratum.Pool
	rooter     *pathres.Rooter
	filters    *filter.Registry
	identity   *identity.Shim
	resolver   *pathres.Resolver
	strataRoot string
	metrics    types.MetricsCollector
	status     *status.Tracker
	mountedAt  time.Time
	guard      *recovery.Guard
}

// NewRoot creates crossfs's root *Node from cfg.
func NewRoot(cfg Config) *Node {
	guard := cfg.Guard
	if guard == nil {
		guard = recovery.NewGuard(recovery.Config{Component: "crossfs"})
	}
	fsys := &FS{
		store:      cfg.Store,
		strataPool: cfg.StrataPool,
		rooter:     cfg.Rooter,
		filters:    cfg.Filters,
		identity:   cfg.Identity,
		strataRoot: cfg.StrataRoot,
		metrics:    cfg.Metrics,
		status:     cfg.Status,
		guard:      guard,
		mountedAt:  time.Now(),
		resolver: pathres.NewResolver(pathres.Config{
			ControlFilePath: ControlFileName,
			LocalAliasPath:  LocalAliasName,
		}),
	}
	return &Node{fsys: fsys, virtualPath: "/"}
}

// resolveStratum acquires the stratum handle for c, dereferencing the
// local-stratum alias against the requesting process's pid when
// present (spec.md §4.3).
func (f *FS) resolveStratum(c types.Candidate, callerPID uint32) (*stratum.Handle, error) {
	if c.Stratum == stratum.LocalAlias {
		return stratum.ResolveLocal(f.strataPool, callerPID)
	}
	return f.strataPool.Acquire(c.Stratum)
}

// resolvedCandidate is one probed, existing backing candidate: its
// open stratum reference, the path relative to that stratum's root,
// and its raw stat info.
type resolvedCandidate struct {
	stratum *stratum.Handle
	relPath string
	stat    unix.Stat_t
}

func closeCandidates(cands []resolvedCandidate) {
	for _, c := range cands {
		c.stratum.Close()
	}
}

// probeCandidates opens the stratum for each candidate in order and
// stats the constructed backing path, returning every candidate whose
// existence probe succeeds. Per spec.md §4.3 only the first entry is
// normally authoritative; font is the one filter kind that consults
// every entry returned here instead of just the first. Callers must
// release every returned handle with closeCandidates when done.
func (f *FS) probeCandidates(candidates []types.Candidate, callerPID uint32) ([]resolvedCandidate, error) {
	var out []resolvedCandidate
	for _, c := range candidates {
		h, err := f.resolveStratum(c, callerPID)
		if err != nil {
			continue
		}
		rel := strings.TrimPrefix(c.Path, "/")

		var st unix.Stat_t
		if err := unix.Fstatat(h.RootFd(), rel, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			h.Close()
			continue
		}
		out = append(out, resolvedCandidate{stratum: h, relPath: rel, stat: st})
	}
	if len(out) == 0 {
		return nil, errors.NewError(errors.ErrCodeNoBackingFile, "no existing backing candidate").
			WithComponent("crossfs").WithOperation("probe")
	}
	return out, nil
}

// readCandidate opens and reads a resolved candidate's content as the
// calling user, so permission checks apply as if that user had opened
// the backing file directly.
func (f *FS) readCandidate(caller identity.Caller, rc resolvedCandidate) ([]byte, error) {
	tok, err := f.identity.Enter(caller)
	if err != nil {
		return nil, err
	}
	defer f.identity.Leave(tok)

	fd, err := f.rooter.OpenInRoot(rc.stratum.RootFd(), rc.relPath, unix.O_RDONLY, 0)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodePermissionDenied, "open backing candidate: "+err.Error()).
			WithComponent("crossfs").WithOperation("read-candidate")
	}
	defer unix.Close(fd)

	return readAllFd(fd, int64(rc.stat.Size))
}

// localAliasTarget resolves the symlink target for the .local-alias
// entry: "<strata-root>/<caller-stratum>", dereferenced the same way
// stratum.ResolveLocal dereferences the "local" backing name (spec.md
// §4.3); only the resolved name is needed here, so the handle is
// released immediately instead of being retained.
func (f *FS) localAliasTarget(callerPID uint32) string {
	h, err := stratum.ResolveLocal(f.strataPool, callerPID)
	if err != nil {
		return f.strataRoot + "/" + stratum.FallbackStratum
	}
	defer h.Close()
	return f.strataRoot + "/" + h.Name()
}

func readAllFd(fd int, size int64) ([]byte, error) {
	buf := make([]byte, size)
	var total int64
	for total < size {
		n, err := unix.Pread(fd, buf[total:], total)
		if n > 0 {
			total += int64(n)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return buf[:total], nil
}
