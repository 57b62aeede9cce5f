// Package fsm provides a small generic finite state machine.
//
// A Machine validates transitions against an explicit adjacency table.
// One Machine is created per subject (a session, a branch lifecycle check)
// and there is no package-level state. A state whose allowed list is
// empty, or which has no entry in the table, is terminal.
//
//	m := fsm.New("session-42", StatusCreated, transitions)
//	if err := m.Transition(StatusPlanning); err != nil {
//	    // errors.Is(err, fsm.ErrInvalidTransition)
//	}
package fsm
