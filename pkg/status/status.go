// Package status reports a synchronous snapshot of one mounted
// filesystem's live state: how many routing entries or overrides are
// configured, when the control file was last mutated, and how many
// stratum descriptors are currently open. Bedrock's handlers run to
// completion synchronously (spec.md §5: "no cooperative suspension"),
// so there are no long-running operations to track the way a
// throughput-oriented daemon would -- Snapshot replaces that kind of
// tracker with a single point-in-time read.
package status

import (
	"sync"
	"time"

	"github.com/bedrocklinux/bedrock-core/pkg/health"
)

// MountKind distinguishes which of the two daemons a Snapshot describes.
type MountKind string

const (
	MountCrossfs MountKind = "crossfs"
	MountEtcfs   MountKind = "etcfs"
)

// Snapshot is the point-in-time state of one mount, as returned by
// Tracker.Snapshot and served at /status.
type Snapshot struct {
	Kind MountKind `json:"kind"`

	MountPoint string    `json:"mount_point"`
	MountedAt  time.Time `json:"mounted_at"`

	// RoutingEntries is crossfs's configured virtual-path count; zero
	// for an etcfs snapshot.
	RoutingEntries int `json:"routing_entries,omitempty"`
	// GlobalPaths and Overrides are etcfs's counts; zero for crossfs.
	GlobalPaths int `json:"global_paths,omitempty"`
	Overrides   int `json:"overrides,omitempty"`

	// OpenStrata is the number of distinct stratum root descriptors
	// currently held open by the stratum pool.
	OpenStrata int `json:"open_strata"`

	// RootStrategy reports which chroot-escape-avoidance primitive
	// this mount selected at startup ("openat2" or "chroot").
	RootStrategy string `json:"root_strategy"`

	LastControlWrite time.Time `json:"last_control_write,omitempty"`

	HealthState     health.HealthState                 `json:"health_state"`
	ComponentHealth map[string]*health.ComponentHealth `json:"component_health,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Counts is supplied by the caller (crossfs or etcfs) on each Snapshot
// call; Tracker itself holds no domain state, only the last-mutation
// timestamp and the health tracker it was wired to.
type Counts struct {
	RoutingEntries int
	GlobalPaths    int
	Overrides      int
	OpenStrata     int
	RootStrategy   string
}

// Tracker records the one piece of state a synchronous snapshot cannot
// recompute on demand: when the control file was last successfully
// mutated. Everything else is read fresh from the store/pool at
// snapshot time.
type Tracker struct {
	kind          MountKind
	mountPoint    string
	mountedAt     time.Time
	healthTracker *health.Tracker

	mu               sync.Mutex
	lastControlWrite time.Time
}

// NewTracker creates a Tracker for one mount, recording its start time.
func NewTracker(kind MountKind, mountPoint string, healthTracker *health.Tracker) *Tracker {
	return &Tracker{
		kind:          kind,
		mountPoint:    mountPoint,
		mountedAt:     time.Now(),
		healthTracker: healthTracker,
	}
}

// RecordControlWrite records that a control-file write was just
// applied successfully, for reporting in the next Snapshot.
func (t *Tracker) RecordControlWrite(at time.Time) {
	t.mu.Lock()
	t.lastControlWrite = at
	t.mu.Unlock()
}

// Snapshot assembles the current Snapshot from the caller-supplied
// live counts plus this Tracker's own recorded state.
func (t *Tracker) Snapshot(c Counts) *Snapshot {
	t.mu.Lock()
	lastWrite := t.lastControlWrite
	t.mu.Unlock()

	s := &Snapshot{
		Kind:             t.kind,
		MountPoint:       t.mountPoint,
		MountedAt:        t.mountedAt,
		RoutingEntries:   c.RoutingEntries,
		GlobalPaths:      c.GlobalPaths,
		Overrides:        c.Overrides,
		OpenStrata:       c.OpenStrata,
		RootStrategy:     c.RootStrategy,
		LastControlWrite: lastWrite,
		Timestamp:        time.Now(),
	}

	if t.healthTracker != nil {
		s.HealthState = t.healthTracker.GetOverallHealth()
		s.ComponentHealth = t.healthTracker.GetAllComponents()
	}

	return s
}
