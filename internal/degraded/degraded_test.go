package degraded

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTracker() (*Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewTracker(Config{Window: time.Minute, ErrorRatePct: 50, MinSamples: 4}, clock), clock
}

// TestErrorRate_Empty verifies that ErrorRate returns (0, 0) when no
// events have been recorded within the time window.
func TestErrorRate_Empty(t *testing.T) {
	tr, _ := newTracker()
	errors, total := tr.ErrorRate()
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errors, total)
	}
}

// TestRecordSuccess_AndError_ErrorRate verifies that RecordSuccess and RecordError
// correctly track events and ErrorRate returns accurate counts.
func TestRecordSuccess_AndError_ErrorRate(t *testing.T) {
	tr, _ := newTracker()
	tr.RecordSuccess()
	tr.RecordSuccess()
	tr.RecordError()
	errors, total := tr.ErrorRate()
	if errors != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errors, total)
	}
}

// TestErrorRate_ExpiresOutsideWindow verifies that ErrorRate excludes events
// that occurred outside the window.
func TestErrorRate_ExpiresOutsideWindow(t *testing.T) {
	tr, clock := newTracker()
	tr.RecordError()
	tr.RecordSuccess()
	clock.Advance(2 * time.Minute)
	tr.RecordSuccess()

	errors, total := tr.ErrorRate()
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errors, total)
	}
}

func TestIsDegraded(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		errors    int
		want      bool
	}{
		{"no samples", 0, 0, false},
		{"below min samples", 0, 3, false},
		{"half errors", 2, 2, true},
		{"mostly ok", 3, 1, false},
		{"all errors", 0, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTracker()
			for i := 0; i < tt.successes; i++ {
				tr.RecordSuccess()
			}
			for i := 0; i < tt.errors; i++ {
				tr.RecordError()
			}
			if got := tr.IsDegraded(); got != tt.want {
				t.Errorf("IsDegraded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDegraded_RecoversAfterWindow(t *testing.T) {
	tr, clock := newTracker()
	for i := 0; i < 5; i++ {
		tr.RecordError()
	}
	if !tr.IsDegraded() {
		t.Fatal("IsDegraded() = false, want true")
	}
	clock.Advance(61 * time.Second)
	if tr.IsDegraded() {
		t.Error("IsDegraded() = true after window elapsed, want false")
	}
}

// TestReset verifies that Reset clears all recorded error and success events.
func TestReset(t *testing.T) {
	tr, _ := newTracker()
	tr.RecordError()
	tr.RecordSuccess()
	tr.Reset()
	errors, total := tr.ErrorRate()
	if errors != 0 || total != 0 {
		t.Errorf("After Reset, ErrorRate() = (%d, %d), want (0, 0)", errors, total)
	}
}

func TestNewTracker_Defaults(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	if tr.cfg.Window != 5*time.Minute || tr.cfg.ErrorRatePct != 50 || tr.cfg.MinSamples != 5 {
		t.Errorf("defaults = %+v", tr.cfg)
	}
}
