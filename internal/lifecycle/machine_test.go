package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestMachine_ForwardTransitions(t *testing.T) {
	var m Machine
	if m.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", m.State())
	}
	if err := m.Transition(StateIdle, StateRunning); err != nil {
		t.Fatalf("Transition(idle, running) error = %v", err)
	}
	if err := m.Transition(StateRunning, StateShuttingDown); err != nil {
		t.Fatalf("Transition(running, shutting-down) error = %v", err)
	}
	if m.State() != StateShuttingDown {
		t.Errorf("State() = %v, want shutting-down", m.State())
	}
}

func TestMachine_RejectsBackwardAndStale(t *testing.T) {
	var m Machine
	if err := m.Transition(StateRunning, StateIdle); err == nil {
		t.Error("Transition(running, idle) error = nil, want backward transition rejected")
	}
	if err := m.Transition(StateRunning, StateShuttingDown); err == nil {
		t.Error("Transition(running, shutting-down) from idle error = nil, want stale from rejected")
	}
	_ = m.Transition(StateIdle, StateShuttingDown)
	if err := m.Transition(StateIdle, StateRunning); err == nil {
		t.Error("Transition(idle, running) after shutdown error = nil")
	}
}

func TestMachine_ConcurrentTransitionSingleWinner(t *testing.T) {
	var (
		m    Machine
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Transition(StateIdle, StateRunning) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:         "idle",
		StateRunning:      "running",
		StateShuttingDown: "shutting-down",
		State(7):          "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
