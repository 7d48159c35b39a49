// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fsm provides a generic table-driven state machine and the two
// transition tables used by the pipeline runtime: pipeline status and
// branch lifecycle.
package fsm

import (
	"fmt"
	"sync"
)

// TransitionError reports an invalid state transition.
type TransitionError struct {
	From  string
	To    string
	Label string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Label, e.From, e.To)
}

// Machine is a table-driven state machine. A state with no successors in the
// table is terminal. All methods are safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	transitions map[string][]string
	state       string
	label       string
}

// New creates a machine from a transition table and an initial state.
func New(transitions map[string][]string, initial, label string) *Machine {
	return &Machine{
		transitions: transitions,
		state:       initial,
		label:       label,
	}
}

// State returns the current state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether a transition to target is currently valid.
func (m *Machine) CanTransition(to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canTransitionLocked(to)
}

func (m *Machine) canTransitionLocked(to string) bool {
	for _, next := range m.transitions[m.state] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves to the target state or returns a *TransitionError.
func (m *Machine) Transition(to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canTransitionLocked(to) {
		return &TransitionError{From: m.state, To: to, Label: m.label}
	}
	m.state = to
	return nil
}

// TryTransition moves to the target state if valid and reports whether it did.
func (m *Machine) TryTransition(to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canTransitionLocked(to) {
		return false
	}
	m.state = to
	return true
}
