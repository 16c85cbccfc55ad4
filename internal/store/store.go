// Package store holds the live, control-file-editable configuration
// each filesystem's handlers consult on every request: crossfs's
// routing table of virtual path -> ordered backing list, and etcfs's
// global-path set and override table. A single readers-writer lock
// guards the whole store; handlers take the read lock across their
// body, and control-file writes take the write lock briefly to apply
// one parsed command.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// CrossStore is crossfs's routing table.
type CrossStore struct {
	mu      sync.RWMutex
	entries map[string]*types.RoutingEntry // keyed by virtual path
}

// NewCrossStore creates an empty routing table.
func NewCrossStore() *CrossStore {
	return &CrossStore{entries: make(map[string]*types.RoutingEntry)}
}

// RLock/RUnlock expose the store's read lock directly so a FUSE
// handler can hold it across its whole body, per the single
// entry/exit contract, while calling Snapshot or Lookup internally.
func (s *CrossStore) RLock()   { s.mu.RLock() }
func (s *CrossStore) RUnlock() { s.mu.RUnlock() }

// Snapshot returns every routing entry, for the path resolver's
// classification pass. Callers must hold RLock (or have a stronger
// guarantee of exclusivity) for the duration of use.
func (s *CrossStore) Snapshot() []*types.RoutingEntry {
	out := make([]*types.RoutingEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Clear discards every routing entry.
func (s *CrossStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*types.RoutingEntry)
}

// Add appends a backing location to the routing entry for
// virtualPath, creating the entry with the given filter if none
// exists. If an entry already exists with a different filter, Add
// fails: filter kind is fixed by whichever add first created the
// entry.
func (s *CrossStore) Add(filter types.FilterKind, virtualPath string, backing types.BackingLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[virtualPath]
	if !ok {
		s.entries[virtualPath] = &types.RoutingEntry{
			VirtualPath: virtualPath,
			Filter:      filter,
			Backing:     []types.BackingLocation{backing},
		}
		return nil
	}

	if e.Filter != filter {
		return errors.NewError(errors.ErrCodeUnknownFilter,
			fmt.Sprintf("routing entry %s already uses filter %s, cannot add with %s", virtualPath, e.Filter, filter)).
			WithComponent("store").WithOperation("add")
	}

	for _, b := range e.Backing {
		if b == backing {
			return nil // idempotent: already present
		}
	}
	e.Backing = append(e.Backing, backing)
	return nil
}

// Remove removes one backing location from the entry for
// virtualPath, dropping the entry entirely once its backing list is
// empty.
func (s *CrossStore) Remove(filter types.FilterKind, virtualPath string, backing types.BackingLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[virtualPath]
	if !ok {
		return errors.NewError(errors.ErrCodeNotFound,
			fmt.Sprintf("no routing entry for %s", virtualPath)).
			WithComponent("store").WithOperation("remove")
	}
	if e.Filter != filter {
		return errors.NewError(errors.ErrCodeUnknownFilter,
			fmt.Sprintf("routing entry %s uses filter %s, not %s", virtualPath, e.Filter, filter)).
			WithComponent("store").WithOperation("remove")
	}

	idx := -1
	for i, b := range e.Backing {
		if b == backing {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.NewError(errors.ErrCodeNotFound,
			fmt.Sprintf("backing %s not present on %s", backing, virtualPath)).
			WithComponent("store").WithOperation("remove")
	}

	e.Backing = append(e.Backing[:idx], e.Backing[idx+1:]...)
	if len(e.Backing) == 0 {
		delete(s.entries, virtualPath)
	}
	return nil
}

// Serialize renders the current configuration as one add-form record
// per line, sorted for determinism, for the control file's read path.
func (s *CrossStore) Serialize() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		e := s.entries[p]
		for _, bk := range e.Backing {
			fmt.Fprintf(&b, "add %s %s %s\n", e.Filter, e.VirtualPath, bk)
		}
	}
	return b.String()
}

// EtcStore is etcfs's global-path set and override table.
type EtcStore struct {
	mu        sync.RWMutex
	global    map[string]bool
	overrides map[string]*types.Override
}

// NewEtcStore creates an empty global-path set and override table.
func NewEtcStore() *EtcStore {
	return &EtcStore{
		global:    make(map[string]bool),
		overrides: make(map[string]*types.Override),
	}
}

func (s *EtcStore) RLock()   { s.mu.RLock() }
func (s *EtcStore) RUnlock() { s.mu.RUnlock() }

// IsGlobal reports whether path is routed to the global stratum
// instead of the caller's local one. Callers must hold RLock.
func (s *EtcStore) IsGlobal(path string) bool {
	return s.global[path]
}

// Override returns the declared override for path, if any. Callers
// must hold RLock.
func (s *EtcStore) Override(path string) (*types.Override, bool) {
	o, ok := s.overrides[path]
	return o, ok
}

// AddGlobal marks path as routed to the global stratum.
func (s *EtcStore) AddGlobal(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[path] = true
}

// RemoveGlobal un-marks path, routing it back to the caller's local stratum.
func (s *EtcStore) RemoveGlobal(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.global, path)
}

// AddOverride declares an override for path. It does not itself
// enforce the invariant on disk; that is internal/override's job,
// triggered by the FUSE front-end consulting this table.
func (s *EtcStore) AddOverride(kind types.OverrideKind, path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[path] = &types.Override{Target: path, Kind: kind, Content: content}
}

// RemoveOverride drops a declared override.
func (s *EtcStore) RemoveOverride(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, path)
}

// EtcCounts is the live global-path and override table sizes, for
// pkg/status's synchronous snapshot.
type EtcCounts struct {
	GlobalPaths int
	Overrides   int
}

// Counts reports the current global-path and override table sizes.
func (s *EtcStore) Counts() EtcCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return EtcCounts{GlobalPaths: len(s.global), Overrides: len(s.overrides)}
}

// MarkApplied records on path's override when it was last
// (re-)applied. internal/override's rate limit is tracked by its own
// per-target limiters and does not read this field.
func (s *EtcStore) MarkApplied(path string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.overrides[path]; ok {
		o.LastApplied = at
	}
}

// Serialize renders the current global set and override table as
// add-form records, sorted for determinism.
func (s *EtcStore) Serialize() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	globals := make([]string, 0, len(s.global))
	for p := range s.global {
		globals = append(globals, p)
	}
	sort.Strings(globals)

	overridePaths := make([]string, 0, len(s.overrides))
	for p := range s.overrides {
		overridePaths = append(overridePaths, p)
	}
	sort.Strings(overridePaths)

	var b strings.Builder
	for _, p := range globals {
		fmt.Fprintf(&b, "add_global %s\n", p)
	}
	for _, p := range overridePaths {
		o := s.overrides[p]
		fmt.Fprintf(&b, "add_override %s %s %s\n", o.Kind, o.Target, o.Content)
	}
	return b.String()
}
