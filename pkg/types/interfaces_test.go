package types

import (
	"context"
	"testing"
)

// TestInterfaces verifies that our interfaces are properly structured.
func TestInterfaces(t *testing.T) {
	var (
		_ HealthChecker  = (*mockHealthChecker)(nil)
		_ StratumBackend = (*mockStratumBackend)(nil)
	)
}

type mockHealthChecker struct{}

func (m *mockHealthChecker) Check(ctx context.Context) HealthStatus {
	return HealthStatus{}
}

func (m *mockHealthChecker) RegisterCheck(name string, check func(context.Context) error) {}

func (m *mockHealthChecker) GetStatus() map[string]HealthStatus {
	return nil
}

type mockStratumBackend struct {
	name string
	fd   int
}

func (m *mockStratumBackend) Name() string { return m.name }
func (m *mockStratumBackend) RootFd() int  { return m.fd }
func (m *mockStratumBackend) Close() error { return nil }
