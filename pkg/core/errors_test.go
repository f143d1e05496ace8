package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoRetryError(t *testing.T) {
	originalErr := errors.New("permanent failure")
	wrapped := NoRetry(originalErr)

	var noRetryErr *NoRetryError
	assert.True(t, errors.As(wrapped, &noRetryErr))
	assert.Equal(t, originalErr, noRetryErr.Unwrap())
	assert.Contains(t, noRetryErr.Error(), "no retry")
	assert.Contains(t, noRetryErr.Error(), "permanent failure")
}

func TestConflictKinds(t *testing.T) {
	assert.ErrorIs(t, ErrPreconditionFailed, ErrConflict)
	assert.ErrorIs(t, ErrLeaseLost, ErrConflict)
	assert.NotErrorIs(t, ErrLeaseLost, ErrPreconditionFailed)
	assert.NotErrorIs(t, ErrNotFound, ErrConflict)

	wrapped := fmt.Errorf("complete job: %w", ErrLeaseLost)
	assert.ErrorIs(t, wrapped, ErrConflict)
}

func TestValidationError(t *testing.T) {
	err := Invalid("priority", "must be between %d and %d", 0, 100)

	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "agentqueue: invalid priority: must be between 0 and 100", err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(fmt.Errorf("submit: %w", err), &ve))
	assert.Equal(t, "priority", ve.Field)

	bare := &ValidationError{Reason: "empty body"}
	assert.Equal(t, "agentqueue: invalid input: empty body", bare.Error())
}
