package types

import (
	"errors"
	"fmt"
)

// statemachine.go: queue entry lifecycle transition rules.
//
//	          enqueue
//	             │
//	             ▼
//	┌──────►  PENDING ◄────────────────┐
//	│            │                     │
//	│            ▼                     │ transient / timeout / recovery
//	│        IN_FLIGHT ────────────────┘
//	│            │
//	│   ┌────────┴──────────┐
//	│   ▼                   ▼
//	│ (removed)          FAILED ──► (removed by discard)
//	│  success              │
//	└───────────────────────┘ retryFailed

// ValidTransition reports whether from → to is a legal state change for an
// entry that stays in the store. Removal is checked by CanRemove.
func ValidTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateInFlight
	case StateInFlight:
		return to == StatePending || to == StateFailed
	case StateFailed:
		return to == StatePending
	}
	return false
}

// CanRemove reports whether an entry in state s may be deleted: after a
// confirmed delivery (in flight) or an explicit discard (failed).
func CanRemove(s State) bool {
	return s == StateInFlight || s == StateFailed
}

// ErrTransition is returned when an entry is not in the state a transition
// starts from, or the transition is not in the table.
var ErrTransition = errors.New("types: invalid state transition")

// Move sets e.State to to. e must currently be in from and from → to must be
// a ValidTransition; otherwise e is left untouched.
func (e *Entry) Move(from, to State) error {
	if e.State != from || !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s, entry %s is %s", ErrTransition, from, to, e.LocalID, e.State)
	}
	e.State = to
	return nil
}

// CheckRemove returns nil when e is in from and entries in from may be
// deleted.
func (e *Entry) CheckRemove(from State) error {
	if e.State != from || !CanRemove(from) {
		return fmt.Errorf("%w: remove from %s, entry %s is %s", ErrTransition, from, e.LocalID, e.State)
	}
	return nil
}
