package agentqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/agentqueue/pkg/auth"
	"github.com/jdziat/agentqueue/pkg/blob"
	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/dedup"
	"github.com/jdziat/agentqueue/pkg/notify"
	"github.com/jdziat/agentqueue/pkg/pause"
	"github.com/jdziat/agentqueue/pkg/proposals"
	"github.com/jdziat/agentqueue/pkg/queue"
	"github.com/jdziat/agentqueue/pkg/security"
	"github.com/jdziat/agentqueue/pkg/storage"
	"github.com/jdziat/agentqueue/pkg/telemetry"
	"github.com/jdziat/agentqueue/pkg/worker"
)

// System is every service wired over one database and one event bus.
type System struct {
	Store     *storage.GormStorage
	Bus       *core.EventBus
	Queue     *queue.Queue
	Proposals *proposals.Service
	Pause     *pause.Controller
	Tokens    *auth.Registry
	Metrics   *telemetry.Collector

	logger *slog.Logger
}

// Option configures Open.
type Option interface {
	applySystem(*settings)
}

type optionFunc func(*settings)

func (f optionFunc) applySystem(s *settings) { f(s) }

type settings struct {
	clock            core.Clock
	logger           *slog.Logger
	redactor         *security.Redactor
	leaseGrace       time.Duration
	defaultLease     time.Duration
	retry            *core.RetryPolicy
	poolOpts         []storage.PoolOption
	blobs            blob.Store
	limiter          proposals.RateLimiter
	publisher        notify.Publisher
	notifyCategories []string
	maxArtifactBytes int64
	reapBatch        int
	skipMigrate      bool
}

// WithClock sets the time source for every service.
func WithClock(c core.Clock) Option {
	return optionFunc(func(s *settings) { s.clock = c })
}

// WithLogger sets the logger for every service.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *settings) { s.logger = l })
}

// WithRedactor sets the secret scrubber. Default: security.RedactorFromEnv().
func WithRedactor(r *security.Redactor) Option {
	return optionFunc(func(s *settings) { s.redactor = r })
}

// WithLeaseGrace sets the clock skew tolerated on lease expiry.
func WithLeaseGrace(d time.Duration) Option {
	return optionFunc(func(s *settings) { s.leaseGrace = d })
}

// WithDefaultLease sets the lease used when a claim names none.
func WithDefaultLease(d time.Duration) Option {
	return optionFunc(func(s *settings) { s.defaultLease = d })
}

// WithRetryPolicy sets the backoff for retryable failures.
func WithRetryPolicy(p core.RetryPolicy) Option {
	return optionFunc(func(s *settings) { s.retry = &p })
}

// WithPoolOptions configures the connection pool.
func WithPoolOptions(opts ...storage.PoolOption) Option {
	return optionFunc(func(s *settings) { s.poolOpts = append(s.poolOpts, opts...) })
}

// WithBlobStore enables artifact uploads.
func WithBlobStore(b blob.Store) Option {
	return optionFunc(func(s *settings) { s.blobs = b })
}

// WithMaxArtifactBytes caps uploaded artifact size.
func WithMaxArtifactBytes(n int64) Option {
	return optionFunc(func(s *settings) { s.maxArtifactBytes = n })
}

// WithReapBatch caps how many leases one sweep recovers.
func WithReapBatch(n int) Option {
	return optionFunc(func(s *settings) { s.reapBatch = n })
}

// WithRateLimiter limits proposal intake per origin.
func WithRateLimiter(l proposals.RateLimiter) Option {
	return optionFunc(func(s *settings) { s.limiter = l })
}

// WithPublisher sends proposal notifications.
func WithPublisher(p notify.Publisher) Option {
	return optionFunc(func(s *settings) { s.publisher = p })
}

// WithNotifyCategories sets which proposal categories are announced.
func WithNotifyCategories(categories ...string) Option {
	return optionFunc(func(s *settings) { s.notifyCategories = categories })
}

// WithoutMigrate skips schema migration on Open.
func WithoutMigrate() Option {
	return optionFunc(func(s *settings) { s.skipMigrate = true })
}

// Open configures the pool, migrates the schema and wires every service
// over db.
func Open(ctx context.Context, db *gorm.DB, opts ...Option) (*System, error) {
	cfg := &settings{
		clock:      core.SystemClock{},
		logger:     slog.Default(),
		leaseGrace: -1,
	}
	for _, opt := range opts {
		opt.applySystem(cfg)
	}
	if cfg.redactor == nil {
		cfg.redactor = security.RedactorFromEnv()
	}

	if err := storage.ConfigurePool(db, cfg.poolOpts...); err != nil {
		return nil, err
	}

	storeOpts := []storage.Option{
		storage.WithClock(cfg.clock),
		storage.WithRedactor(cfg.redactor),
		storage.WithLogger(cfg.logger),
	}
	if cfg.leaseGrace >= 0 {
		storeOpts = append(storeOpts, storage.WithLeaseGrace(cfg.leaseGrace))
	}
	if cfg.retry != nil {
		storeOpts = append(storeOpts, storage.WithRetryPolicy(*cfg.retry))
	}
	store := storage.NewGormStorage(db, storeOpts...)
	if !cfg.skipMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	bus := core.NewEventBus()
	ctl := pause.NewController(store,
		pause.WithClock(cfg.clock),
		pause.WithEventBus(bus),
		pause.WithLogger(cfg.logger),
	)

	queueOpts := []queue.QueueOption{
		queue.WithPauseGate(ctl),
		queue.WithEventBus(bus),
		queue.WithClock(cfg.clock),
		queue.WithRedactor(cfg.redactor),
		queue.WithLogger(cfg.logger),
		queue.WithMaxArtifactBytes(cfg.maxArtifactBytes),
		queue.WithReapBatch(cfg.reapBatch),
		queue.WithDefaultLease(cfg.defaultLease),
	}
	if cfg.blobs != nil {
		queueOpts = append(queueOpts, queue.WithBlobStore(cfg.blobs))
	}
	q := queue.New(store, queueOpts...)

	proposalOpts := []proposals.Option{
		proposals.WithEventBus(bus),
		proposals.WithClock(cfg.clock),
		proposals.WithRedactor(cfg.redactor),
		proposals.WithLogger(cfg.logger),
	}
	if cfg.limiter != nil {
		proposalOpts = append(proposalOpts, proposals.WithRateLimiter(cfg.limiter))
	}
	if cfg.publisher != nil {
		proposalOpts = append(proposalOpts, proposals.WithPublisher(cfg.publisher))
	}
	if cfg.notifyCategories != nil {
		proposalOpts = append(proposalOpts, proposals.WithNotifyCategories(cfg.notifyCategories...))
	}

	return &System{
		Store:     store,
		Bus:       bus,
		Queue:     q,
		Proposals: proposals.NewService(store, proposalOpts...),
		Pause:     ctl,
		Tokens:    auth.NewRegistry(store, cfg.logger),
		Metrics:   telemetry.NewCollector(bus, telemetry.WithMetricsSource(q), telemetry.WithLogger(cfg.logger)),
		logger:    cfg.logger,
	}, nil
}

// NewWorker creates a worker claiming as identity.
func (s *System) NewWorker(identity *core.WorkerIdentity, opts ...worker.WorkerOption) *worker.Worker {
	opts = append([]worker.WorkerOption{worker.WithLogger(s.logger)}, opts...)
	return worker.NewWorker(s.Queue, identity, opts...)
}

// NewReaper creates a reaper for expired leases and proposal snoozes.
func (s *System) NewReaper(opts ...worker.ReaperOption) *worker.Reaper {
	opts = append([]worker.ReaperOption{
		worker.WithSnoozeExpirer(s.Proposals),
		worker.WithReaperLogger(s.logger),
	}, opts...)
	return worker.NewReaper(s.Queue, opts...)
}

// BackfillDedupKeys recomputes proposal dedup columns with the current
// derivation and returns how many rows changed.
func (s *System) BackfillDedupKeys(ctx context.Context) (int, error) {
	n, err := dedup.Backfill(ctx, s.Store)
	if err != nil {
		return 0, fmt.Errorf("backfill dedup keys: %w", err)
	}
	if n > 0 {
		s.logger.Info("backfilled proposal dedup keys", "changed", n)
	}
	return n, nil
}
