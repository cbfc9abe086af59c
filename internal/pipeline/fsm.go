// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"fmt"
	"sync"
)

// transition describes a single edge in the supervisor state machine.
type transition struct {
	From  State
	Event Event
	To    State
}

// machine is a small, strict FSM runner: unknown transitions are errors.
// Keeping it strict makes transition order provable in tests instead of
// incidental.
type machine struct {
	mu    sync.Mutex
	state State
	index map[string]transition
}

func newMachine(initial State, transitions []transition) (*machine, error) {
	idx := make(map[string]transition, len(transitions))
	for _, t := range transitions {
		k := fsmKey(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &machine{state: initial, index: idx}, nil
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire attempts to apply an event atomically.
func (m *machine) Fire(event Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.index[fsmKey(m.state, event)]
	if !ok {
		return m.state, fmt.Errorf("invalid transition: state=%s event=%s", m.state, event)
	}
	m.state = t.To
	return m.state, nil
}

// CanFire reports whether event is legal in the current state.
func (m *machine) CanFire(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[fsmKey(m.state, event)]
	return ok
}

func fsmKey(from State, event Event) string {
	return string(from) + "|" + string(event)
}
