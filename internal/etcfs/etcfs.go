// Package etcfs implements the read-write FUSE front-end that
// overlays /etc, dispatching every operation to either the calling
// process's local stratum or a designated global stratum (spec.md
// §4.6), and enforcing declared override invariants before any other
// work on a path (spec.md §4.5).
package etcfs

import (
	"path"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/bedrocklinux/bedrock-core/internal/identity"
	"github.com/bedrocklinux/bedrock-core/internal/override"
	"github.com/bedrocklinux/bedrock-core/internal/pathres"
	"github.com/bedrocklinux/bedrock-core/internal/store"
	"github.com/bedrocklinux/bedrock-core/internal/stratum"
	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/recovery"
	"github.com/bedrocklinux/bedrock-core/pkg/status"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// ControlFileName is the fixed virtual path of etcfs's control file.
const ControlFileName = "/.bedrock-etc-filesystem"

// mountBase is the path component every stratum mirrors etcfs's
// content under: a stratum's corresponding directory for virtual path
// "/foo" is "<strata-root>/<stratum>/etc/foo".
const mountBase = "etc"

// Config wires an FS to the shared daemon components it needs.
type Config struct {
	Store          *store.EtcStore
	StrataPool     *stratum.Pool
	Rooter         *pathres.Rooter
	Identity       *identity.Shim
	Overrides      *override.Enforcer
	StrataRoot     string
	GlobalStratum  string
	MountPoint     string
	Metrics        types.MetricsCollector
	Status         *status.Tracker
	Guard          *recovery.Guard
}

// FS holds the state every node in etcfs's tree shares.
type FS struct {
	store         *store.EtcStore
	strataPool    *stratum.Pool
	rooter        *pathres.Rooter
	identity      *identity.Shim
	overrides     *override.Enforcer
	strataRoot    string
	globalStratum string
	metrics       types.MetricsCollector
	status        *status.Tracker
	mountedAt     time.Time
	guard         *recovery.Guard
}

// NewRoot creates etcfs's root *Node from cfg. The root's virtualPath
// is "" (relative-path convention: the mount root has no leading
// slash and no trailing slash, and every deeper path is built with
// path.Join so it never gains one either).
func NewRoot(cfg Config) *Node {
	guard := cfg.Guard
	if guard == nil {
		guard = recovery.NewGuard(recovery.Config{Component: "etcfs"})
	}
	fsys := &FS{
		store:         cfg.Store,
		strataPool:    cfg.StrataPool,
		rooter:        cfg.Rooter,
		identity:      cfg.Identity,
		overrides:     cfg.Overrides,
		strataRoot:    cfg.StrataRoot,
		globalStratum: cfg.GlobalStratum,
		metrics:       cfg.Metrics,
		status:        cfg.Status,
		guard:         guard,
		mountedAt:     time.Now(),
	}
	return &Node{fsys: fsys, virtualPath: ""}
}

// fullPath renders a node's mount-relative virtualPath as the
// absolute /etc path the global-path set and override table are keyed
// by (e.g. "resolv.conf" -> "/etc/resolv.conf").
func fullPath(virtualPath string) string {
	if virtualPath == "" {
		return "/etc"
	}
	return "/etc/" + virtualPath
}

// backingRelPath renders a node's mount-relative virtualPath as the
// path relative to a stratum's root (e.g. "resolv.conf" ->
// "etc/resolv.conf").
func backingRelPath(virtualPath string) string {
	if virtualPath == "" {
		return mountBase
	}
	return path.Join(mountBase, virtualPath)
}

// resolveStratum picks the local or global stratum for virtualPath
// per the live global-path set, dereferencing "local" against the
// requesting pid.
func (f *FS) resolveStratum(virtualPath string, callerPID uint32) (*stratum.Handle, error) {
	f.store.RLock()
	isGlobal := f.store.IsGlobal(fullPath(virtualPath))
	f.store.RUnlock()

	if isGlobal {
		return f.strataPool.Acquire(f.globalStratum)
	}
	return stratum.ResolveLocal(f.strataPool, callerPID)
}

// enforceOverride runs the declared override for virtualPath, if any,
// against the resolved stratum's backing filesystem before the
// handler proceeds, per spec.md §4.5.
func (f *FS) enforceOverride(rootFd int, virtualPath string) error {
	f.store.RLock()
	o, ok := f.store.Override(fullPath(virtualPath))
	f.store.RUnlock()
	if !ok {
		return nil
	}
	if err := f.overrides.Enforce(rootFd, backingRelPath(virtualPath), o); err != nil {
		return errors.NewError(errors.ErrCodeOverrideEnforcement,
			"override enforcement failed: "+err.Error()).
			WithComponent("etcfs").WithOperation("enforce_override").WithCause(err)
	}
	f.store.MarkApplied(o.Target, time.Now())
	return nil
}

func joinVirtual(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// isControlFile reports whether virtualPath names etcfs's control
// file, which never routes to a stratum.
func isControlFile(virtualPath string) bool {
	return fullPath(virtualPath) == ControlFileName || "/"+virtualPath == ControlFileName
}

func stripLeadingSlash(p string) string {
	return strings.TrimPrefix(p, "/")
}

var errNoRoute = errors.NewError(errors.ErrCodeStratumUnknown, "could not resolve a stratum for this path").
	WithComponent("etcfs").WithOperation("resolve")
