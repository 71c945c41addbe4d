package model

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusUndispatched Status = "UNDISPATCHED"
	StatusDispatching  Status = "DISPATCHING"
	StatusDispatched   Status = "DISPATCHED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
)

var ranks = map[Status]int{
	StatusUndispatched: 0,
	StatusDispatching:  1,
	StatusDispatched:   2,
	StatusInProgress:   3,
	StatusCompleted:    4,
	StatusCancelled:    5,
}

// Rank returns the position of s in the lifecycle, or -1 for unknown values.
func (s Status) Rank() int {
	r, ok := ranks[s]
	if !ok {
		return -1
	}
	return r
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// ParseStatus accepts any case.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// CheckAdvance rejects backward or stale transitions. CANCELLED skips the rank
// comparison but cannot leave a terminal state.
func CheckAdvance(current, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("unknown status %q", next)
	}
	if next == StatusCancelled {
		if current.Terminal() {
			return fmt.Errorf("cannot cancel a job in terminal status %s", current)
		}
		return nil
	}
	if current == StatusCancelled {
		return fmt.Errorf("job is cancelled")
	}
	if next.Rank() <= current.Rank() {
		return fmt.Errorf("status %s cannot follow %s", next, current)
	}
	return nil
}
