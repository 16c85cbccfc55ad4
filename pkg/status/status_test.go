package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bedrocklinux/bedrock-core/pkg/health"
)

func TestNewTracker(t *testing.T) {
	tr := NewTracker(MountCrossfs, "/bedrock/cross", nil)
	snap := tr.Snapshot(Counts{RoutingEntries: 3, OpenStrata: 2, RootStrategy: "openat2"})

	assert.Equal(t, MountCrossfs, snap.Kind)
	assert.Equal(t, "/bedrock/cross", snap.MountPoint)
	assert.Equal(t, 3, snap.RoutingEntries)
	assert.Equal(t, 2, snap.OpenStrata)
	assert.Equal(t, "openat2", snap.RootStrategy)
	assert.True(t, snap.LastControlWrite.IsZero())
	assert.False(t, snap.MountedAt.After(time.Now()))
}

func TestTracker_RecordControlWrite(t *testing.T) {
	tr := NewTracker(MountEtcfs, "/etc", nil)
	before := tr.Snapshot(Counts{})
	assert.True(t, before.LastControlWrite.IsZero())

	now := time.Now()
	tr.RecordControlWrite(now)

	after := tr.Snapshot(Counts{GlobalPaths: 5, Overrides: 2})
	assert.Equal(t, now.Unix(), after.LastControlWrite.Unix())
	assert.Equal(t, 5, after.GlobalPaths)
	assert.Equal(t, 2, after.Overrides)
}

func TestTracker_SnapshotIncludesHealth(t *testing.T) {
	ht := health.NewTracker(health.DefaultConfig())
	ht.RegisterComponent("config-store")

	tr := NewTracker(MountCrossfs, "/bedrock/cross", ht)
	snap := tr.Snapshot(Counts{})

	assert.Equal(t, health.StateHealthy, snap.HealthState)
	assert.Contains(t, snap.ComponentHealth, "config-store")
}
