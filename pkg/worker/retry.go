package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jdziat/agentqueue/pkg/core"
)

// RetryConfig controls how a worker retries calls into the queue: claims,
// heartbeats and outcome reports. It is unrelated to job retries, which the
// queue schedules on failure.
type RetryConfig struct {
	// MaxAttempts counts the first call. 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each failure.
	BackoffMultiplier float64

	// JitterFraction randomizes each wait by up to ±fraction.
	JitterFraction float64
}

// DefaultRetryConfig is used for heartbeats and outcome reports.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// defaultClaimRetry waits longer so idle slots do not hammer a database
// that is already struggling.
func defaultClaimRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// backoff returns the un-jittered wait after the given failure (1-based).
func (c RetryConfig) backoff(failure int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < failure; i++ {
		d *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

func (c RetryConfig) jitter(d time.Duration) time.Duration {
	if c.JitterFraction <= 0 || d <= 0 {
		return d
	}
	j := time.Duration(float64(d) * c.JitterFraction * (rand.Float64()*2 - 1))
	if d+j < 0 {
		return d
	}
	return d + j
}

// retry calls fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx ends. The last error is returned.
func retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !IsRetryableError(err) || attempt >= cfg.MaxAttempts {
			return err
		}

		wait := cfg.jitter(cfg.backoff(attempt))
		logger.Debug("retrying queue call", "op", op, "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// permanentErrors are domain answers that another attempt cannot change:
// the row moved on, the input is bad, or the caller lacks rights.
var permanentErrors = []error{
	context.Canceled,
	context.DeadlineExceeded,
	core.ErrNotFound,
	core.ErrConflict,
	core.ErrValidation,
	core.ErrUnauthenticated,
	core.ErrUnauthorized,
}

// IsRetryableError reports whether a failed queue call is worth repeating.
// Connection drops, timeouts and deadlocks are; domain errors are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range permanentErrors {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
