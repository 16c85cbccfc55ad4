// Package recovery implements the panic-recovery wrapper (Guard.Run
// and RunValue): one entry prologue, one exit epilogue, no early
// returns in between. crossfs runs its path classification and etcfs
// its path resolution through it, and both run control-file writes
// through it; a panic inside a guarded call is turned into an
// EIO-class BedrockError instead of taking the whole mount down with
// it. Other handler code, such as filtering and override application,
// runs outside the guard.
package recovery

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/utils"
)

// Config configures a Guard.
type Config struct {
	// Component names the subsystem the guard protects (e.g. "crossfs", "etcfs").
	Component string

	// Logger receives one Error-level entry per recovered panic. If nil,
	// a default StructuredLogger is created.
	Logger *utils.StructuredLogger
}

// Guard wraps FUSE operation handlers with panic recovery.
type Guard struct {
	component string
	logger    *utils.StructuredLogger

	mu       sync.Mutex
	recovered map[string]uint64
}

// NewGuard creates a Guard for the given component.
func NewGuard(config Config) *Guard {
	logger := config.Logger
	if logger == nil {
		loggerConfig := utils.DefaultStructuredLoggerConfig()
		l, _ := utils.NewStructuredLogger(loggerConfig)
		logger = l
	}

	return &Guard{
		component: config.Component,
		logger:    logger,
		recovered: make(map[string]uint64),
	}
}

// Run is the single prologue/epilogue around one FUSE handler body.
// fn runs exactly once; if it panics, Run recovers, logs the stack,
// and returns an ErrCodePanicRecovered BedrockError in place of the
// panic propagating into the go-fuse dispatch loop.
func (g *Guard) Run(operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			g.logger.Error("operation panicked", map[string]interface{}{
				"component": g.component,
				"operation": operation,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(stack),
			})
			g.countRecovery(operation)
			err = errors.NewError(errors.ErrCodePanicRecovered, fmt.Sprintf("recovered panic: %v", r)).
				WithComponent(g.component).
				WithOperation(operation).
				WithStack()
		}
	}()

	return fn()
}

// RunValue is Run for handlers that also return a value, e.g. a
// directory listing or a read result.
func RunValue[T any](g *Guard, operation string, fn func() (T, error)) (result T, err error) {
	err = g.Run(operation, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

func (g *Guard) countRecovery(operation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recovered[operation]++
}

// RecoveredCounts returns the number of panics recovered per operation
// name since the guard was created, for the health/metrics endpoints.
func (g *Guard) RecoveredCounts() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]uint64, len(g.recovered))
	for k, v := range g.recovered {
		out[k] = v
	}
	return out
}

// TotalRecovered returns the total panic count across all operations.
func (g *Guard) TotalRecovered() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total uint64
	for _, v := range g.recovered {
		total += v
	}
	return total
}
