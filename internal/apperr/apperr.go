// Package apperr classifies failures of the dispatch core so the boundary can
// map them to responses without string matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	Validation
	SolverFailure
	ConcurrencyConflict
	ConsistencyViolation
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case SolverFailure:
		return "solver_failure"
	case ConcurrencyConflict:
		return "concurrency_conflict"
	case ConsistencyViolation:
		return "consistency_violation"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind, so errors.Is(err, ErrConflict)
// works through any amount of wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation  = &Error{Kind: Validation}
	ErrSolver      = &Error{Kind: SolverFailure}
	ErrConflict    = &Error{Kind: ConcurrencyConflict}
	ErrConsistency = &Error{Kind: ConsistencyViolation}
	ErrNotFound    = &Error{Kind: NotFound}
)

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) error {
	return &Error{Kind: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

func Consistencyf(op, format string, args ...any) error {
	return &Error{Kind: ConsistencyViolation, Op: op, Err: fmt.Errorf(format, args...)}
}

func Solverf(op, format string, args ...any) error {
	return &Error{Kind: SolverFailure, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
