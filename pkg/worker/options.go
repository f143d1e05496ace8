package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/agentqueue/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs held at once.
	Concurrency  int
	PollInterval time.Duration
	// Lease is requested on claim and on every heartbeat.
	Lease time.Duration
	// HeartbeatInterval defaults to a third of Lease.
	HeartbeatInterval time.Duration
	// JobTypes narrows claims. Empty means every registered handler type.
	JobTypes     []string
	StorageRetry *RetryConfig
	ClaimRetry   *RetryConfig
	Logger       *slog.Logger
}

// Concurrency sets how many jobs the worker runs at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets how often the worker claims when it has free slots.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// Lease sets the lease requested on claim and heartbeat.
func Lease(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.Lease = d
		}
	})
}

// HeartbeatInterval sets how often held leases are renewed.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// JobTypes restricts claims to the given types.
func JobTypes(types ...string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.JobTypes = append(c.JobTypes, types...)
	})
}

// WithStorageRetry sets the backoff for heartbeat and outcome reports.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithClaimRetry sets the backoff for claims.
func WithClaimRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ClaimRetry = &cfg
	})
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithRetryAttempts sets the attempt budget for storage calls, keeping the
// default backoff.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = max(n, 1)
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage call and claim a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		storage := DefaultRetryConfig()
		storage.MaxAttempts = 1
		claim := defaultClaimRetry()
		claim.MaxAttempts = 1
		c.StorageRetry = &storage
		c.ClaimRetry = &claim
	})
}
