package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError identifies a rejected transition.
type InvalidTransitionError struct {
	Subject string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot transition from %q to %q", e.Subject, e.From, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Table maps a state to the states reachable from it.
type Table[S comparable] map[S][]S

// Machine is a finite state machine over states of type S.
// It is safe for concurrent use.
type Machine[S comparable] struct {
	mu      sync.RWMutex
	subject string
	current S
	table   Table[S]
}

// New creates a machine for subject starting in initial.
func New[S comparable](subject string, initial S, table Table[S]) *Machine[S] {
	return &Machine[S]{
		subject: subject,
		current: initial,
		table:   table,
	}
}

// Subject returns the diagnostic identifier of the machine.
func (m *Machine[S]) Subject() string {
	return m.subject
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether to is reachable from the current state.
func (m *Machine[S]) CanTransition(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Allows(m.current, to)
}

// Transition moves to the given state or returns an *InvalidTransitionError.
func (m *Machine[S]) Transition(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.table.Allows(m.current, to) {
		return &InvalidTransitionError{
			Subject: m.subject,
			From:    fmt.Sprint(m.current),
			To:      fmt.Sprint(to),
		}
	}
	m.current = to
	return nil
}

// TryTransition is the non-failing variant of Transition.
func (m *Machine[S]) TryTransition(to S) bool {
	return m.Transition(to) == nil
}

// IsTerminal reports whether the current state has no outgoing edges.
func (m *Machine[S]) IsTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.IsTerminal(m.current)
}

// Allowed returns a copy of the states reachable from the current state.
func (m *Machine[S]) Allowed() []S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	next := m.table[m.current]
	out := make([]S, len(next))
	copy(out, next)
	return out
}

// Allows reports whether the table permits from -> to.
func (t Table[S]) Allows(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges.
func (t Table[S]) IsTerminal(s S) bool {
	return len(t[s]) == 0
}

// Pairs returns every (from, to) edge in the table.
func (t Table[S]) Pairs() [][2]S {
	var out [][2]S
	for from, next := range t {
		for _, to := range next {
			out = append(out, [2]S{from, to})
		}
	}
	return out
}
