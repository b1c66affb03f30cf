// Package lifecycle tracks process drain state and component lifecycle states.
package lifecycle

import "sync/atomic"

var draining atomic.Bool

// BeginDrain marks the process as draining once a termination signal arrives.
// Health reports shutting-down with 503 from then on.
func BeginDrain() {
	draining.Store(true)
}

// Draining reports whether new traffic should be refused.
func Draining() bool {
	return draining.Load()
}

// resetDrain clears the flag between tests.
func resetDrain() {
	draining.Store(false)
}
