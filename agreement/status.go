package agreement

import "fmt"

// transitions lists every status change the service performs. Nothing leaves
// delivered or terminated.
var transitions = map[Status][]Status{
	StatusAwaitingPayment: {StatusActive, StatusTerminated},
	StatusActive:          {StatusDelivered, StatusUnderDispute},
	StatusUnderDispute:    {StatusDelivered},
}

// ValidTransition reports whether from -> to is part of the lifecycle.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingPayment, StatusActive, StatusDelivered, StatusUnderDispute, StatusTerminated:
		return true
	default:
		return false
	}
}

// transition moves a to next, refusing anything outside the lifecycle table.
func (a *Agreement) transition(next Status) error {
	if !ValidTransition(a.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, a.Status, next)
	}
	a.Status = next
	return nil
}

// requireStatus fails with ErrInvalidStatus unless a is in want.
func (a Agreement) requireStatus(want Status) error {
	if a.Status != want {
		return fmt.Errorf("%w: agreement %d is %s, need %s", ErrInvalidStatus, a.ID, a.Status, want)
	}
	return nil
}
