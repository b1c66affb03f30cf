package lifecycle

import (
	"fmt"
	"sync/atomic"
)

// State is a component lifecycle state. Transitions only move forward.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Machine holds a lifecycle state safe for concurrent use.
type Machine struct {
	state atomic.Int32
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Transition moves from -> to atomically. It fails when the current state is not from
// or when to does not follow from.
func (m *Machine) Transition(from, to State) error {
	if to <= from {
		return fmt.Errorf("lifecycle: invalid transition %s -> %s", from, to)
	}
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("lifecycle: cannot move %s -> %s from %s", from, to, m.State())
	}
	return nil
}
