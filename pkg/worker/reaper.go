package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/agentqueue/pkg/queue"
)

// DefaultReapSchedule is how often expired leases and snoozes are swept.
const DefaultReapSchedule = "@every 30s"

// LeaseReaper recovers jobs whose lease expired.
type LeaseReaper interface {
	ReapExpiredLeases(ctx context.Context) (queue.ReapResult, error)
}

// SnoozeExpirer clears elapsed proposal snoozes.
type SnoozeExpirer interface {
	ExpireSnoozes(ctx context.Context) (int64, error)
}

// ReapResult summarises one sweep.
type ReapResult struct {
	Leases         queue.ReapResult
	SnoozesExpired int64
}

// Reaper runs periodic maintenance on a cron schedule. Several reapers may
// run against one database; every sweep is a set of conditional updates.
type Reaper struct {
	leases   LeaseReaper
	snoozes  SnoozeExpirer
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithSchedule sets the cron spec, e.g. "@every 1m" or "*/5 * * * *".
func WithSchedule(spec string) ReaperOption {
	return func(r *Reaper) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

// WithSnoozeExpirer also expires proposal snoozes on every sweep.
func WithSnoozeExpirer(s SnoozeExpirer) ReaperOption {
	return func(r *Reaper) { r.snoozes = s }
}

// WithReaperLogger sets the reaper's logger.
func WithReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = l }
}

// NewReaper creates a reaper over leases.
func NewReaper(leases LeaseReaper, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		leases:   leases,
		schedule: DefaultReapSchedule,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs one sweep. Both halves run even if the first fails.
func (r *Reaper) RunOnce(ctx context.Context) (ReapResult, error) {
	var result ReapResult
	var errs []error

	leases, err := r.leases.ReapExpiredLeases(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reap leases: %w", err))
	}
	result.Leases = leases

	if r.snoozes != nil {
		n, err := r.snoozes.ExpireSnoozes(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire snoozes: %w", err))
		}
		result.SnoozesExpired = n
	}
	return result, errors.Join(errs...)
}

// Start schedules sweeps and blocks until ctx is cancelled. A sweep still
// running when the next tick fires is not overlapped.
func (r *Reaper) Start(ctx context.Context) error {
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(r.schedule, func() {
		result, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}
		if n := result.Leases.Total(); n > 0 {
			r.logger.Info("reaped expired leases",
				"requeued", result.Leases.Requeued,
				"dead_lettered", result.Leases.DeadLettered,
				"cancelled", result.Leases.Cancelled,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("reaper schedule %q: %w", r.schedule, err)
	}

	r.logger.Info("reaper started", "schedule", r.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
	return ctx.Err()
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
