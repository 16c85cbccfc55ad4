// Package circuit implements the two-state gate etcfs uses to rate
// limit override re-application: a target that was just (re)applied
// is suppressed from re-application for a fixed window, adapted from
// a conventional circuit breaker's closed/open state machine but
// stripped of failure counting and half-open probing, since there is
// no notion of a failing call here, only "applied too recently".
package circuit

import (
	"sync"
	"time"
)

// State represents the gate state of a Limiter.
type State int

const (
	// StateClosed means an apply is currently allowed.
	StateClosed State = iota
	// StateOpen means an apply happened within the current window and
	// further applies are suppressed until it elapses.
	StateOpen
)

// String returns the string representation of state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Limiter's suppression window.
type Config struct {
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns the one-second override re-application window.
func DefaultConfig() Config {
	return Config{Window: time.Second}
}

// Limiter gates one override target's apply operations to at most one
// per window.
type Limiter struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	expiry time.Time
}

// NewLimiter creates a Limiter for the named target.
func NewLimiter(name string, config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Second
	}
	return &Limiter{name: name, config: config, state: StateClosed}
}

// Allow reports whether an apply may proceed right now. If it may,
// the gate opens for config.Window and subsequent calls return false
// until the window elapses.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.state == StateOpen {
		if l.expiry.After(now) {
			return false
		}
		l.state = StateClosed
	}

	l.state = StateOpen
	l.expiry = now.Add(l.config.Window)
	return true
}

// State returns the gate's current state, collapsing an expired open
// window back to closed.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateOpen && !l.expiry.After(time.Now()) {
		l.state = StateClosed
	}
	return l.state
}

// Reset forces the gate back to closed, used when an override target
// is removed so a future re-add isn't suppressed by a stale window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
	l.expiry = time.Time{}
}

// Name returns the limiter's target name.
func (l *Limiter) Name() string {
	return l.name
}

// Manager manages one Limiter per override target.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	config   Config
}

// NewManager creates a Manager that lazily builds a Limiter per target
// name, all sharing config.
func NewManager(config Config) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		config:   config,
	}
}

// GetLimiter gets or creates the Limiter for the given target.
func (m *Manager) GetLimiter(name string) *Limiter {
	m.mu.RLock()
	if l, exists := m.limiters[name]; exists {
		m.mu.RUnlock()
		return l
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, exists := m.limiters[name]; exists {
		return l
	}

	l := NewLimiter(name, m.config)
	m.limiters[name] = l
	return l
}

// RemoveLimiter drops the Limiter for a target, e.g. when its override
// is removed.
func (m *Manager) RemoveLimiter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, name)
}

// LimiterStats reports one target's gate state for the status/health endpoints.
type LimiterStats struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// GetStats returns the state of every tracked limiter.
func (m *Manager) GetStats() map[string]LimiterStats {
	m.mu.RLock()
	limiters := make(map[string]*Limiter, len(m.limiters))
	for name, l := range m.limiters {
		limiters[name] = l
	}
	m.mu.RUnlock()

	stats := make(map[string]LimiterStats, len(limiters))
	for name, l := range limiters {
		stats[name] = LimiterStats{Name: name, State: l.State()}
	}
	return stats
}
