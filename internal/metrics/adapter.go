package metrics

import (
	"time"

	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// Adapter narrows *Collector to the pkg/types.MetricsCollector
// interface crossfs/etcfs handlers depend on, so those packages never
// import the concrete Prometheus-backed collector directly (avoids an
// import cycle between internal/metrics and internal/crossfs /
// internal/etcfs). Size is always reported as zero: FUSE operation
// counts matter for this daemon's handlers, not payload sizes, which
// Collector.RecordOperation also accepts but this narrower interface
// doesn't expose.
type Adapter struct {
	collector *Collector
}

var _ types.MetricsCollector = (*Adapter)(nil)

// NewAdapter wraps collector for use wherever a types.MetricsCollector is required.
func NewAdapter(collector *Collector) *Adapter {
	return &Adapter{collector: collector}
}

func (a *Adapter) RecordOperation(op string, duration time.Duration, success bool) {
	a.collector.RecordOperation(op, duration, 0, success)
}

func (a *Adapter) RecordError(op string, err error) {
	a.collector.RecordError(op, err)
}
