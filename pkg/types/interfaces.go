package types

import (
	"context"
)

// HealthChecker defines a health monitoring interface. pkg/health.Tracker
// does not implement it and pkg/api does not use it; only this
// package's test implements it.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
	RegisterCheck(name string, check func(context.Context) error)
	GetStatus() map[string]HealthStatus
}

// StratumBackend is a narrow view of a stratum's root directory: the
// open directory descriptor used as the dirfd for *at() syscalls and
// openat2, reference-counted so the pool can share one descriptor
// across every routing entry that names the same stratum.
// internal/stratum's Handle satisfies it; no other package refers to
// it.
type StratumBackend interface {
	// Name is the stratum's short identifier.
	Name() string
	// RootFd is the open directory descriptor for the stratum root.
	RootFd() int
	// Close releases this reference; the underlying descriptor is
	// closed only when the last reference is released.
	Close() error
}