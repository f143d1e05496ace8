package core

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrNotFound        = errors.New("agentqueue: not found")
	ErrConflict        = errors.New("agentqueue: conflict")
	ErrUnauthenticated = errors.New("agentqueue: unauthenticated")
	ErrUnauthorized    = errors.New("agentqueue: unauthorized")
	ErrValidation      = errors.New("agentqueue: validation failed")
	ErrRateLimited     = errors.New("agentqueue: rate limited")

	// ErrPreconditionFailed and ErrLeaseLost are conflicts: the caller should
	// re-read state, since someone else already acted on the row.
	ErrPreconditionFailed = fmt.Errorf("%w: precondition failed", ErrConflict)
	ErrLeaseLost          = fmt.Errorf("%w: lease lost", ErrConflict)
)

// ValidationError describes malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("agentqueue: invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("agentqueue: invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid returns a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NoRetryError marks a handler failure as permanent. The job is dead-lettered
// instead of requeued.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}
