package queue

import (
	"log/slog"
	"time"

	"github.com/jdziat/agentqueue/pkg/blob"
	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// Default values.
var (
	DefaultMaxAttempts      = 3
	DefaultLease            = 2 * time.Minute
	DefaultMaxArtifactBytes = int64(50 << 20)
	DefaultReapBatch        = 100
)

// Options holds configuration for enqueueing a job.
type Options struct {
	Priority    int
	MaxAttempts int
	AffinityKey string
	CreatedBy   *string
	RequestedBy *string
	Delay       time.Duration
	RunAt       *time.Time
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// MaxAttempts sets the attempt budget.
// Values are clamped to [1, security.MaxAttempts] (100).
func MaxAttempts(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxAttempts = security.ClampAttempts(n)
	})
}

// AffinityKey sets an advisory routing hint.
func AffinityKey(key string) Option {
	return optionFunc(func(o *Options) {
		o.AffinityKey = key
	})
}

// CreatedBy records the user who created the job.
func CreatedBy(userID string) Option {
	return optionFunc(func(o *Options) {
		o.CreatedBy = &userID
	})
}

// RequestedBy records the user on whose behalf the job runs.
func RequestedBy(userID string) Option {
	return optionFunc(func(o *Options) {
		o.RequestedBy = &userID
	})
}

// Delay makes the job claimable only after d.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At makes the job claimable only from t.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// ClaimOptions narrows a claim.
type ClaimOptions struct {
	JobTypes []string
	Lease    time.Duration
}

// ClaimOption modifies ClaimOptions.
type ClaimOption interface {
	applyClaim(*ClaimOptions)
}

type claimOptionFunc func(*ClaimOptions)

func (f claimOptionFunc) applyClaim(o *ClaimOptions) { f(o) }

// JobTypes restricts the claim to the given types. When the worker token
// also restricts types, the intersection applies.
func JobTypes(types ...string) ClaimOption {
	return claimOptionFunc(func(o *ClaimOptions) {
		o.JobTypes = append(o.JobTypes, types...)
	})
}

// Lease sets the lease duration for the claimed job.
func Lease(d time.Duration) ClaimOption {
	return claimOptionFunc(func(o *ClaimOptions) {
		o.Lease = d
	})
}

// QueueOption configures a Queue.
type QueueOption interface {
	applyQueue(*Queue)
}

type queueOptionFunc func(*Queue)

func (f queueOptionFunc) applyQueue(q *Queue) { f(q) }

// WithPauseGate makes claims honour the global pause switch.
func WithPauseGate(g PauseGate) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.gate = g })
}

// WithBlobStore enables UploadArtifact and OpenArtifact.
func WithBlobStore(s blob.Store) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.blobs = s })
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus *core.EventBus) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.bus = bus })
}

// WithClock sets the time source for delays and event timestamps.
func WithClock(c core.Clock) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.clock = c })
}

// WithRedactor scrubs secrets from summaries and event messages.
func WithRedactor(r *security.Redactor) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.redactor = r })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) QueueOption {
	return queueOptionFunc(func(q *Queue) { q.logger = l })
}

// WithMaxArtifactBytes caps uploaded artifact size.
func WithMaxArtifactBytes(n int64) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		if n > 0 {
			q.maxArtifactBytes = n
		}
	})
}

// WithReapBatch sets how many expired leases one reap pass examines.
func WithReapBatch(n int) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		if n > 0 {
			q.reapBatch = n
		}
	})
}

// WithDefaultLease sets the lease used when a claim or heartbeat names none.
func WithDefaultLease(d time.Duration) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		if d > 0 {
			q.defaultLease = d
		}
	})
}
