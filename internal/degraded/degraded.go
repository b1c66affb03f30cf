// Package degraded tracks refresh outcomes over a sliding window and reports when the
// provider error rate is high enough to call the service degraded.
package degraded

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the degraded-state policy.
type Config struct {
	// Window is the sliding window over which outcomes are counted.
	Window time.Duration
	// ErrorRatePct is the error percentage at or above which the service is degraded.
	ErrorRatePct float64
	// MinSamples avoids flapping on a handful of outcomes.
	MinSamples int
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu           sync.Mutex
	cfg          Config
	clock        clockwork.Clock
	successTimes []time.Time
	errorTimes   []time.Time
}

func NewTracker(cfg Config, clock clockwork.Clock) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.ErrorRatePct <= 0 {
		cfg.ErrorRatePct = 50
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{cfg: cfg, clock: clock}
}

// RecordSuccess records a refresh whose provider call succeeded.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a refresh that failed at the provider.
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// ErrorRate returns (errorCount, totalCount) within the configured window.
func (t *Tracker) ErrorRate() (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.pruneLocked(now)
	return len(t.errorTimes), len(t.errorTimes) + len(t.successTimes)
}

// IsDegraded reports whether the windowed error rate meets the threshold.
func (t *Tracker) IsDegraded() bool {
	errs, total := t.ErrorRate()
	if total < t.cfg.MinSamples {
		return false
	}
	return float64(errs)*100/float64(total) >= t.cfg.ErrorRatePct
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
}

// pruneLocked drops timestamps older than the window. Slices are append-ordered.
// Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
}
