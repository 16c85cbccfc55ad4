// Package pathres resolves an incoming virtual path against the live
// routing table into either a fixed classification (root directory,
// virtual intermediate directory, control file, local-alias symlink,
// not-found) or an ordered list of (stratum, backing-path) candidates
// to probe, and provides the chroot-escape-safe primitive used to
// actually touch those candidates.
package pathres

import (
	"strings"

	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// Resolver classifies virtual paths for one mounted filesystem
// (crossfs or etcfs), each of which has its own control-file name and
// local-alias symlink name.
type Resolver struct {
	controlFilePath string
	localAliasPath  string
	maxPathLen      int
}

// Config configures a Resolver.
type Config struct {
	// ControlFilePath is the virtual path of the control file, e.g.
	// "/.bedrock-config-filesystem".
	ControlFilePath string
	// LocalAliasPath is the virtual path of the local-alias symlink,
	// e.g. "/.local-alias". Empty disables local-alias classification
	// (crossfs does not expose one of its own the way etcfs's
	// front-end conventionally does).
	LocalAliasPath string
	// MaxPathLen is the system path-length limit; candidates whose
	// constructed backing path would exceed it are skipped rather than
	// probed. 0 means PATH_MAX (4096).
	MaxPathLen int
}

// NewResolver creates a Resolver from Config, applying the PATH_MAX
// default when MaxPathLen is unset.
func NewResolver(cfg Config) *Resolver {
	maxLen := cfg.MaxPathLen
	if maxLen <= 0 {
		maxLen = 4096
	}
	return &Resolver{
		controlFilePath: cfg.ControlFilePath,
		localAliasPath:  cfg.LocalAliasPath,
		maxPathLen:      maxLen,
	}
}

// Classify applies the classification rules, in order, against the
// live routing table snapshot entries. On ClassBacking it also returns
// the matched entry and the suffix of path beyond the entry's virtual
// path (possibly empty, for an exact match).
func (r *Resolver) Classify(path string, entries []*types.RoutingEntry) (types.PathClass, *types.RoutingEntry, string) {
	path = normalize(path)

	// Rule 1: path equals or is a descendant of a configured virtual
	// path. Prefer the longest matching virtual path so a more
	// specific routing entry wins over a shorter ancestor's.
	var best *types.RoutingEntry
	var bestSuffix string
	for _, e := range entries {
		vp := normalize(e.VirtualPath)
		if path == vp {
			if best == nil || len(vp) > len(best.VirtualPath) {
				best, bestSuffix = e, ""
			}
			continue
		}
		if strings.HasPrefix(path, vp+"/") {
			if best == nil || len(vp) > len(best.VirtualPath) {
				best, bestSuffix = e, path[len(vp):]
			}
		}
	}
	if best != nil {
		return types.ClassBacking, best, bestSuffix
	}

	// Rule 2: path is a strict ancestor of some configured virtual path.
	for _, e := range entries {
		vp := normalize(e.VirtualPath)
		if strings.HasPrefix(vp, path+"/") || (path == "/" && vp != "/") {
			return types.ClassVirtualIntermediate, nil, ""
		}
	}

	// Rule 3: mount root.
	if path == "/" {
		return types.ClassRoot, nil, ""
	}

	// Rule 4: control file.
	if r.controlFilePath != "" && path == normalize(r.controlFilePath) {
		return types.ClassControlFile, nil, ""
	}

	// Rule 5: local-alias symlink.
	if r.localAliasPath != "" && path == normalize(r.localAliasPath) {
		return types.ClassLocalAlias, nil, ""
	}

	return types.ClassNotFound, nil, ""
}

// Candidates builds the ordered probe list for a matched backing entry
// and the incoming path's suffix beyond the entry's virtual path,
// skipping any candidate whose constructed path would exceed the
// configured path-length limit.
func (r *Resolver) Candidates(entry *types.RoutingEntry, suffix string) []types.Candidate {
	out := make([]types.Candidate, 0, len(entry.Backing))
	for _, b := range entry.Backing {
		backingPath := joinBacking(b.Path, suffix)
		if len(backingPath) > r.maxPathLen {
			continue
		}
		out = append(out, types.Candidate{Stratum: b.Stratum, Path: backingPath})
	}
	return out
}

func joinBacking(backing, suffix string) string {
	if suffix == "" {
		return backing
	}
	if strings.HasSuffix(backing, "/") {
		return backing + strings.TrimPrefix(suffix, "/")
	}
	return backing + suffix
}

// normalize strips a trailing slash (other than the root itself) so
// comparisons are not sensitive to it.
func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path
}
