package escrow

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusFunded           Status = "FUNDED"
	StatusDocumentsPending Status = "DOCUMENTS_PENDING"
	StatusSettled          Status = "SETTLED"
	StatusCancelled        Status = "CANCELLED"
	StatusDisputed         Status = "DISPUTED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusFunded,
	StatusDocumentsPending,
	StatusSettled,
	StatusCancelled,
	StatusDisputed,
}

// ParseStatus accepts a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Terminal reports whether no further transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled || s == StatusDisputed
}

// transitions maps a target status to the statuses it may be entered from.
// CREATED has no entry: it is only reachable through creation.
var transitions = map[Status][]Status{
	StatusFunded:           {StatusCreated},
	StatusDocumentsPending: {StatusFunded},
	StatusSettled:          {StatusFunded, StatusDocumentsPending},
	StatusCancelled:        {StatusCreated},
	StatusDisputed:         {StatusFunded, StatusDocumentsPending},
}

// CanTransition reports whether a stored record in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// Next resolves the status an event of kind k moves a record in status from to.
// ok is false when the event is not valid from that status.
func Next(from Status, k Kind) (Status, bool) {
	to, ok := k.Target()
	if !ok || to == StatusCreated {
		return "", false
	}
	if !CanTransition(from, to) {
		return "", false
	}
	return to, true
}
