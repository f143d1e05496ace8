package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/queue"
)

// Causes attached to a handler's context when the worker stops it early.
// Handlers can inspect them with context.Cause.
var (
	ErrCancelRequested = errors.New("worker: cancellation requested")
	ErrQuiesced        = errors.New("worker: quiesced by pause")
	ErrNoHandlers      = errors.New("worker: no handlers registered")
)

// Outcome is what a successful handler reports.
type Outcome struct {
	Summary       string
	ArtifactsPath string
}

// Handler executes one job. Returning core.NoRetry(err) dead-letters the job
// instead of requeueing it.
type Handler func(ctx context.Context, job *core.AgentJob) (*Outcome, error)

// Worker claims jobs for one identity and runs them.
type Worker struct {
	queue    *queue.Queue
	identity *core.WorkerIdentity
	config   WorkerConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	paused atomic.Bool
	wg     sync.WaitGroup
}

// NewWorker creates a worker that claims from q as identity.
func NewWorker(q *queue.Queue, identity *core.WorkerIdentity, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:  1,
		PollInterval: time.Second,
		Lease:        queue.DefaultLease,
	}
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.Lease {
		config.HeartbeatInterval = config.Lease / 3
	}
	if config.StorageRetry == nil {
		cfg := DefaultRetryConfig()
		config.StorageRetry = &cfg
	}
	if config.ClaimRetry == nil {
		cfg := defaultClaimRetry()
		config.ClaimRetry = &cfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if identity != nil {
		logger = logger.With("worker_id", identity.WorkerID)
	}

	return &Worker{
		queue:    q,
		identity: identity,
		config:   config,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for jobType, replacing any earlier handler.
func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Paused reports whether the last claim found the system paused.
func (w *Worker) Paused() bool {
	return w.paused.Load()
}

// claimTypes is the configured type filter, or every registered type.
func (w *Worker) claimTypes() []string {
	if len(w.config.JobTypes) > 0 {
		return w.config.JobTypes
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Start claims and runs jobs until ctx is cancelled, then waits for running
// handlers to return.
func (w *Worker) Start(ctx context.Context) error {
	if w.identity == nil {
		return fmt.Errorf("%w: worker identity required", core.ErrUnauthenticated)
	}
	types := w.claimTypes()
	if len(types) == 0 {
		return ErrNoHandlers
	}
	w.logger.Info("worker started", "job_types", types, "concurrency", w.config.Concurrency)

	slots := make(chan struct{}, w.config.Concurrency)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.fill(ctx, slots, types)
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fill claims until every slot is busy or nothing is claimable.
func (w *Worker) fill(ctx context.Context, slots chan struct{}, types []string) {
	for ctx.Err() == nil {
		select {
		case slots <- struct{}{}:
		default:
			return
		}
		job := w.claim(ctx, types)
		if job == nil {
			<-slots
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-slots }()
			w.processJob(ctx, job)
		}()
	}
}

func (w *Worker) claim(ctx context.Context, types []string) *core.AgentJob {
	var result *queue.ClaimResult
	err := retry(ctx, *w.config.ClaimRetry, w.logger, "claim", func() error {
		var claimErr error
		result, claimErr = w.queue.Claim(ctx, w.identity,
			queue.JobTypes(types...),
			queue.Lease(w.config.Lease),
		)
		return claimErr
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Error("failed to claim after retries", "error", err)
		}
		return nil
	}

	paused := result.Outcome == queue.ClaimPaused
	if w.paused.Swap(paused) != paused {
		if paused {
			w.logger.Info("claims paused", "mode", *result.PauseMode)
		} else {
			w.logger.Info("claims resumed")
		}
	}
	return result.Job
}

func (w *Worker) processJob(ctx context.Context, job *core.AgentJob) {
	// Outcomes are reported even while the worker shuts down.
	report := context.WithoutCancel(ctx)
	logger := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)

	h, ok := w.handler(job.Type)
	if !ok {
		logger.Error("no handler for job")
		w.fail(report, logger, job, core.NoRetry(fmt.Errorf("no handler for %s", job.Type)))
		return
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.runHeartbeat(runCtx, stop, job)
	}()

	outcome, err := w.executeHandler(runCtx, job, h)

	cause := context.Cause(runCtx)
	stop(nil)
	<-heartbeatDone

	if err == nil {
		w.complete(report, logger, job, outcome)
		return
	}

	switch {
	case errors.Is(cause, core.ErrLeaseLost):
		// Someone else owns the row now; any report would be rejected.
		logger.Warn("lease lost, dropping result", "error", err)
	case errors.Is(cause, ErrCancelRequested):
		if _, ackErr := w.queue.AcknowledgeCancellation(report, job.ID, w.identity.WorkerID, err.Error()); ackErr != nil {
			logger.Error("failed to acknowledge cancellation", "error", ackErr)
			return
		}
		logger.Info("job cancelled by request")
	case errors.Is(cause, ErrQuiesced):
		w.fail(report, logger, job, fmt.Errorf("worker quiesced: %w", err))
	case ctx.Err() != nil:
		w.fail(report, logger, job, fmt.Errorf("worker shutting down: %w", err))
	default:
		w.fail(report, logger, job, err)
	}
}

func (w *Worker) executeHandler(ctx context.Context, job *core.AgentJob, h Handler) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// runHeartbeat renews the lease until ctx ends. It stops the handler through
// stop when the lease is lost, cancellation is requested, or the system is
// paused in quiesce mode.
func (w *Worker) runHeartbeat(ctx context.Context, stop context.CancelCauseFunc, job *core.AgentJob) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var result *queue.HeartbeatResult
		err := retry(ctx, *w.config.StorageRetry, w.logger, "heartbeat", func() error {
			var hbErr error
			result, hbErr = w.queue.Heartbeat(ctx, job.ID, w.identity.WorkerID, w.config.Lease)
			return hbErr
		})
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrNotFound):
			stop(fmt.Errorf("%w: %v", core.ErrLeaseLost, err))
			return
		default:
			// The lease may still hold; expiry is the backstop.
			w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			continue
		}

		if result.CancelRequested {
			stop(fmt.Errorf("%w: %s", ErrCancelRequested, result.CancelReason))
			return
		}
		if result.PauseMode != nil && *result.PauseMode == core.PauseModeQuiesce {
			stop(ErrQuiesced)
			return
		}
		w.logger.Debug("heartbeat sent", "job_id", job.ID)
	}
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, job *core.AgentJob, outcome *Outcome) {
	req := queue.CompleteRequest{}
	if outcome != nil {
		req.Summary = outcome.Summary
		req.ArtifactsPath = outcome.ArtifactsPath
	}
	err := retry(ctx, *w.config.StorageRetry, logger, "complete", func() error {
		_, completeErr := w.queue.Complete(ctx, job.ID, w.identity.WorkerID, req)
		return completeErr
	})
	if err != nil {
		logger.Error("failed to complete job after retries", "error", err)
	}
}

// fail reports a failed attempt. core.NoRetry errors are not retryable.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *core.AgentJob, cause error) {
	var noRetry *core.NoRetryError
	req := queue.FailRequest{
		Message:   cause.Error(),
		Retryable: !errors.As(cause, &noRetry),
	}
	if req.Message == "" {
		req.Message = "handler failed"
	}
	err := retry(ctx, *w.config.StorageRetry, logger, "fail", func() error {
		_, failErr := w.queue.Fail(ctx, job.ID, w.identity.WorkerID, req)
		return failErr
	})
	if err != nil {
		logger.Error("failed to mark job as failed after retries", "error", err)
	}
}
