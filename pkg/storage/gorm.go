package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// GormStorage implements the core store interfaces using GORM.
type GormStorage struct {
	db         *gorm.DB
	clock      core.Clock
	retry      core.RetryPolicy
	grace      time.Duration
	claimBatch int
	redactor   *security.Redactor
	logger     *slog.Logger
}

var (
	_ core.JobStore      = (*GormStorage)(nil)
	_ core.TokenStore    = (*GormStorage)(nil)
	_ core.PauseStore    = (*GormStorage)(nil)
	_ core.ProposalStore = (*GormStorage)(nil)
)

// Option configures a GormStorage.
type Option interface {
	applyStorage(*GormStorage)
}

type optionFunc func(*GormStorage)

func (f optionFunc) applyStorage(s *GormStorage) { f(s) }

// WithClock sets the time source. Default: core.SystemClock.
func WithClock(c core.Clock) Option {
	return optionFunc(func(s *GormStorage) { s.clock = c })
}

// WithRetryPolicy sets the backoff applied to retryable failures and reaped leases.
func WithRetryPolicy(p core.RetryPolicy) Option {
	return optionFunc(func(s *GormStorage) { s.retry = p })
}

// WithLeaseGrace sets how long past lease_expires_at a lease is still honoured.
// Reapers only recover jobs beyond the grace; owners may still act within it.
// Default: 30s.
func WithLeaseGrace(d time.Duration) Option {
	return optionFunc(func(s *GormStorage) {
		if d >= 0 {
			s.grace = d
		}
	})
}

// WithClaimBatch sets how many candidates a claim examines. Default: 50.
func WithClaimBatch(n int) Option {
	return optionFunc(func(s *GormStorage) {
		if n > 0 {
			s.claimBatch = n
		}
	})
}

// WithRedactor sets the secret scrubber applied to stored error messages.
func WithRedactor(r *security.Redactor) Option {
	return optionFunc(func(s *GormStorage) { s.redactor = r })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *GormStorage) { s.logger = l })
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...Option) *GormStorage {
	s := &GormStorage{
		db:         db,
		clock:      core.SystemClock{},
		retry:      core.DefaultRetryPolicy(),
		grace:      30 * time.Second,
		claimBatch: 50,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt.applyStorage(s)
	}
	return s
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Clock returns the storage time source.
func (s *GormStorage) Clock() core.Clock {
	return s.clock
}

// LeaseGrace returns the configured lease grace margin.
func (s *GormStorage) LeaseGrace() time.Duration {
	return s.grace
}

// Migrate creates the necessary tables and seeds the pause singleton.
func (s *GormStorage) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&core.AgentJob{},
		&core.AgentJobEvent{},
		&core.AgentJobArtifact{},
		&core.WorkerToken{},
		&core.TaskProposal{},
		&core.TaskProposalNotification{},
		&core.WorkerPauseState{},
		&core.SystemControlEvent{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err = s.GetPauseState(ctx)
	return err
}

// isSQLite returns true when the storage is backed by SQLite.
func (s *GormStorage) isSQLite() bool {
	return s.db.Dialector.Name() == "sqlite"
}

// skipLocked adds FOR UPDATE SKIP LOCKED where the dialect supports it.
// SQLite serialises writers, so no row lock is needed there.
func (s *GormStorage) skipLocked(tx *gorm.DB) *gorm.DB {
	if s.isSQLite() {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// forUpdate adds a blocking FOR UPDATE row lock where supported.
func (s *GormStorage) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.isSQLite() {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// newID returns a time-ordered identifier so equal timestamps still sort
// in insertion order.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", core.ErrNotFound, what, id)
	}
	return err
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
