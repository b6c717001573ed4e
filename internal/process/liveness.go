// Package process answers one question about a recorded pid: is that process
// still running on this host?
package process

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single liveness probe.
const DefaultTimeout = 500 * time.Millisecond

// State is the outcome of a liveness probe.
type State int

const (
	// Unknown means the probe could not decide, e.g. it timed out or the
	// platform reported an unexpected error. Callers treat Unknown as alive.
	Unknown State = iota
	Alive
	Dead
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Checker probes process liveness.
type Checker interface {
	Check(ctx context.Context, pid int) State
}

// IsAlive reports whether c considers pid not dead. Unknown counts as alive.
func IsAlive(ctx context.Context, c Checker, pid int) bool {
	return c.Check(ctx, pid) != Dead
}

// SignalChecker probes with signal 0, which checks that a process exists
// without affecting it.
type SignalChecker struct {
	timeout time.Duration
}

// New creates a SignalChecker whose probes are bounded by timeout.
// A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration) *SignalChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SignalChecker{timeout: timeout}
}

// Check probes pid. Non-positive pids are Dead.
func (c *SignalChecker) Check(ctx context.Context, pid int) State {
	if pid <= 0 {
		return Dead
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Buffered so the probe goroutine never leaks after a timeout.
	result := make(chan State, 1)
	go func() {
		result <- probe(pid)
	}()

	select {
	case s := <-result:
		return s
	case <-ctx.Done():
		return Unknown
	}
}

// StaticChecker is a map-backed Checker for tests. Pids not in the map
// report Default.
type StaticChecker struct {
	mu      sync.RWMutex
	states  map[int]State
	Default State
}

// NewStaticChecker creates a StaticChecker that reports def for unknown pids.
func NewStaticChecker(def State) *StaticChecker {
	return &StaticChecker{states: make(map[int]State), Default: def}
}

// Set records the state reported for pid.
func (c *StaticChecker) Set(pid int, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[pid] = s
}

// Check returns the recorded state for pid.
func (c *StaticChecker) Check(_ context.Context, pid int) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.states[pid]; ok {
		return s
	}
	return c.Default
}
