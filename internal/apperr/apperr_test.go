package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsThroughWrapping(t *testing.T) {
	base := Validationf("dispatch", "job %s has no parcel", "j1")
	wrapped := fmt.Errorf("service: %w", base)

	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, ErrSolver))
	assert.Equal(t, Validation, KindOf(wrapped))
	assert.Equal(t, "dispatch: job j1 has no parcel", base.Error())
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("broken pipe")
	err := E(SolverFailure, "solver.run", cause)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrSolver))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("x")))
	assert.Equal(t, "concurrency_conflict", ConcurrencyConflict.String())
}
