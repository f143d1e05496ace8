package agentqueue

import "github.com/jdziat/agentqueue/pkg/core"

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound           = core.ErrNotFound
	ErrConflict           = core.ErrConflict
	ErrPreconditionFailed = core.ErrPreconditionFailed
	ErrLeaseLost          = core.ErrLeaseLost
	ErrUnauthenticated    = core.ErrUnauthenticated
	ErrUnauthorized       = core.ErrUnauthorized
	ErrValidation         = core.ErrValidation
	ErrRateLimited        = core.ErrRateLimited
)

// ValidationError describes malformed input.
type ValidationError = core.ValidationError

// NoRetryError marks a handler failure as permanent.
type NoRetryError = core.NoRetryError

// NoRetry wraps err so the worker dead-letters the job instead of retrying.
func NoRetry(err error) error {
	return core.NoRetry(err)
}
