package types

import "time"

// FilterKind identifies one of crossfs's five content transforms. The
// kind is fixed for a routing entry by whichever add command first
// creates it; later adds may only extend the backing list.
type FilterKind string

const (
	FilterBin         FilterKind = "bin"
	FilterBinRestrict FilterKind = "bin-restrict"
	FilterINI         FilterKind = "ini"
	FilterFont        FilterKind = "font"
	FilterService     FilterKind = "service"
	FilterPass        FilterKind = "pass"
)

// Valid reports whether k is one of the declared filter keywords.
func (k FilterKind) Valid() bool {
	switch k {
	case FilterBin, FilterBinRestrict, FilterINI, FilterFont, FilterService, FilterPass:
		return true
	}
	return false
}

// OverrideKind identifies one of etcfs's three override shapes.
type OverrideKind string

const (
	OverrideSymlink   OverrideKind = "symlink"
	OverrideDirectory OverrideKind = "directory"
	OverrideInject    OverrideKind = "inject"
)

func (k OverrideKind) Valid() bool {
	switch k {
	case OverrideSymlink, OverrideDirectory, OverrideInject:
		return true
	}
	return false
}

// LocalAlias is the sentinel stratum name that dereferences to the
// caller's own stratum at request time.
const LocalAlias = "local"

// BackingLocation is one (stratum, stratum-local path) pair in a
// routing entry's ordered backing list.
type BackingLocation struct {
	Stratum string
	Path    string
}

// String renders the wire form "<stratum>:<stratum-path>".
func (b BackingLocation) String() string {
	return b.Stratum + ":" + b.Path
}

// RoutingEntry is one crossfs configuration entry: a virtual path, the
// filter kind fixed at creation, and an ordered backing list.
type RoutingEntry struct {
	VirtualPath string
	Filter      FilterKind
	Backing     []BackingLocation
}

// Clone returns a deep copy safe to hand out while holding a read lock.
func (e *RoutingEntry) Clone() *RoutingEntry {
	c := &RoutingEntry{VirtualPath: e.VirtualPath, Filter: e.Filter}
	c.Backing = append(c.Backing, e.Backing...)
	return c
}

// Override is one etcfs configuration entry.
type Override struct {
	Target      string
	Kind        OverrideKind
	Content     string // symlink target, or injected byte string
	LastApplied time.Time
}

// Candidate is one (stratum, resolved backing path) pair produced by
// the path resolver for probing in order.
type Candidate struct {
	Stratum string
	Path    string
}

// PathClass is the classification a resolved virtual path falls into.
type PathClass int

const (
	ClassNotFound PathClass = iota
	ClassBacking
	ClassVirtualIntermediate
	ClassRoot
	ClassControlFile
	ClassLocalAlias
)

func (c PathClass) String() string {
	switch c {
	case ClassBacking:
		return "backing"
	case ClassVirtualIntermediate:
		return "virtual-intermediate"
	case ClassRoot:
		return "root"
	case ClassControlFile:
		return "control-file"
	case ClassLocalAlias:
		return "local-alias"
	default:
		return "not-found"
	}
}

// MetricsCollector is the narrow interface both filesystems' handlers
// use to record operation counts/durations without importing the
// concrete Prometheus-backed collector (avoids an import cycle between
// internal/metrics and internal/crossfs / internal/etcfs).
type MetricsCollector interface {
	RecordOperation(op string, duration time.Duration, success bool)
	RecordError(op string, err error)
}

// HealthStatus represents the health status of a single daemon
// component, reported through pkg/health and surfaced by pkg/api.
type HealthStatus struct {
	Status    string            `json:"status"`
	LastCheck time.Time         `json:"last_check"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}
