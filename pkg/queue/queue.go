package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jdziat/agentqueue/pkg/blob"
	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// PauseGate reports the global worker pause switch.
type PauseGate interface {
	State(ctx context.Context) (*core.WorkerPauseState, error)
}

// ClaimOutcome says why a claim did or did not return a job.
type ClaimOutcome string

const (
	ClaimClaimed ClaimOutcome = "claimed"
	ClaimEmpty   ClaimOutcome = "empty"
	ClaimPaused  ClaimOutcome = "paused"
)

// ClaimResult is the answer to a worker's claim.
type ClaimResult struct {
	Outcome   ClaimOutcome    `json:"outcome"`
	Job       *core.AgentJob  `json:"job,omitempty"`
	PauseMode *core.PauseMode `json:"pauseMode,omitempty"`
}

// HeartbeatResult is the answer to a lease renewal. It is where workers
// observe cancellation requests and quiesce pauses.
type HeartbeatResult struct {
	Job             *core.AgentJob  `json:"job"`
	CancelRequested bool            `json:"cancelRequested"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	PauseMode       *core.PauseMode `json:"pauseMode,omitempty"`
}

// CompleteRequest carries the outcome of a successful job.
type CompleteRequest struct {
	Summary       string
	ArtifactsPath string
}

// FailRequest carries a failed attempt.
type FailRequest struct {
	Message   string
	Retryable bool
}

// ReapResult summarises one reap pass.
type ReapResult struct {
	Requeued     int      `json:"requeued"`
	DeadLettered int      `json:"deadLettered"`
	Cancelled    int      `json:"cancelled"`
	JobIDs       []string `json:"jobIds"`
}

// Total returns the number of jobs recovered.
func (r ReapResult) Total() int {
	return r.Requeued + r.DeadLettered + r.Cancelled
}

// Queue is the job lifecycle service.
type Queue struct {
	store            core.JobStore
	gate             PauseGate
	blobs            blob.Store
	bus              *core.EventBus
	clock            core.Clock
	redactor         *security.Redactor
	logger           *slog.Logger
	maxArtifactBytes int64
	reapBatch        int
	defaultLease     time.Duration
}

// New creates a Queue over store.
func New(store core.JobStore, opts ...QueueOption) *Queue {
	q := &Queue{
		store:            store,
		clock:            core.SystemClock{},
		logger:           slog.Default(),
		maxArtifactBytes: DefaultMaxArtifactBytes,
		reapBatch:        DefaultReapBatch,
		defaultLease:     DefaultLease,
	}
	for _, opt := range opts {
		opt.applyQueue(q)
	}
	if q.bus == nil {
		q.bus = core.NewEventBus()
	}
	return q
}

// Store returns the underlying job store.
func (q *Queue) Store() core.JobStore {
	return q.store
}

// Bus returns the event bus lifecycle events are published on.
func (q *Queue) Bus() *core.EventBus {
	return q.bus
}

// Events subscribes to lifecycle events. Call Unsubscribe when done.
func (q *Queue) Events() <-chan core.Event {
	return q.bus.Subscribe()
}

// Unsubscribe releases a channel returned by Events.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.bus.Unsubscribe(ch)
}

// ValidatePayload checks the size and the fields the queue interprets:
// repository must be a well-formed reference and requiredCapabilities a
// string list. A valid repository is trimmed in place.
func ValidatePayload(payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return core.Invalid("payload", "not JSON encodable: %v", err)
	}
	if len(raw) > security.MaxPayloadSize {
		return core.Invalid("payload", "exceeds %d bytes", security.MaxPayloadSize)
	}
	if v, ok := payload["repository"]; ok && v != nil {
		repo, isString := v.(string)
		if !isString {
			return core.Invalid("payload.repository", "must be a string")
		}
		repo = strings.TrimSpace(repo)
		if err := security.ValidateRepository(repo); err != nil {
			return err
		}
		payload["repository"] = repo
	}
	if v, ok := payload["requiredCapabilities"]; ok && v != nil {
		switch caps := v.(type) {
		case []string:
		case []any:
			for _, c := range caps {
				if _, ok := c.(string); !ok {
					return core.Invalid("payload.requiredCapabilities", "must be a list of strings")
				}
			}
		default:
			return core.Invalid("payload.requiredCapabilities", "must be a list of strings")
		}
	}
	return nil
}

// Enqueue validates and stores a new queued job.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts ...Option) (*core.AgentJob, error) {
	jobType = strings.TrimSpace(jobType)
	if err := security.ValidateJobType(jobType); err != nil {
		return nil, err
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	affinity := strings.TrimSpace(options.AffinityKey)
	if len(affinity) > security.MaxAffinityKeyLength {
		return nil, core.Invalid("affinityKey", "exceeds %d characters", security.MaxAffinityKeyLength)
	}

	job := &core.AgentJob{
		Type:              jobType,
		Priority:          options.Priority,
		Payload:           payload,
		AffinityKey:       affinity,
		MaxAttempts:       security.ClampAttempts(options.MaxAttempts),
		CreatedByUserID:   options.CreatedBy,
		RequestedByUserID: options.RequestedBy,
	}
	switch {
	case options.RunAt != nil:
		runAt := options.RunAt.UTC().Truncate(time.Microsecond)
		job.NextAttemptAt = &runAt
	case options.Delay > 0:
		runAt := q.clock.Now().Add(options.Delay)
		job.NextAttemptAt = &runAt
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	q.bus.Emit(&core.JobEnqueued{Job: job, Timestamp: q.clock.Now()})
	return job, nil
}

// acceptedTypes combines the token allow-list with the requested types.
// ok is false when the combination admits nothing.
func acceptedTypes(identity *core.WorkerIdentity, requested []string) (types []string, ok bool) {
	var cleaned []string
	for _, t := range requested {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(cleaned, t) {
			cleaned = append(cleaned, t)
		}
	}
	switch {
	case len(cleaned) == 0:
		return identity.AllowedJobTypes, true
	case len(identity.AllowedJobTypes) == 0:
		return cleaned, true
	}
	for _, t := range cleaned {
		if slices.Contains(identity.AllowedJobTypes, t) {
			types = append(types, t)
		}
	}
	return types, len(types) > 0
}

func (q *Queue) pauseMode(ctx context.Context) (*core.PauseMode, error) {
	if q.gate == nil {
		return nil, nil
	}
	state, err := q.gate.State(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Paused {
		return nil, nil
	}
	mode := core.PauseModeDrain
	if state.Mode != nil {
		mode = *state.Mode
	}
	return &mode, nil
}

// Claim leases the next eligible job to identity. A paused system returns
// ClaimPaused without touching any job.
func (q *Queue) Claim(ctx context.Context, identity *core.WorkerIdentity, opts ...ClaimOption) (*ClaimResult, error) {
	if identity == nil || identity.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker identity required", core.ErrUnauthenticated)
	}
	options := &ClaimOptions{Lease: q.defaultLease}
	for _, opt := range opts {
		opt.applyClaim(options)
	}
	if options.Lease <= 0 {
		return nil, core.Invalid("lease", "must be positive")
	}

	mode, err := q.pauseMode(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pause state: %w", err)
	}
	if mode != nil {
		return &ClaimResult{Outcome: ClaimPaused, PauseMode: mode}, nil
	}

	types, ok := acceptedTypes(identity, options.JobTypes)
	if !ok {
		return &ClaimResult{Outcome: ClaimEmpty}, nil
	}

	job, err := q.store.ClaimJob(ctx, core.ClaimRequest{
		WorkerID: identity.WorkerID,
		JobTypes: types,
		Lease:    options.Lease,
		Eligible: identity.CanRun,
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return &ClaimResult{Outcome: ClaimEmpty}, nil
	}

	q.logger.Info("job claimed", "job_id", job.ID, "worker_id", identity.WorkerID, "attempt", job.Attempt)
	q.bus.Emit(&core.JobClaimed{Job: job, WorkerID: identity.WorkerID, Timestamp: q.clock.Now()})
	return &ClaimResult{Outcome: ClaimClaimed, Job: job}, nil
}

// Heartbeat renews the lease held by workerID. A non-positive lease uses
// the queue's default lease.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (*HeartbeatResult, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, core.Invalid("workerId", "required")
	}
	if lease <= 0 {
		lease = q.defaultLease
	}
	job, err := q.store.HeartbeatJob(ctx, jobID, workerID, lease)
	if err != nil {
		return nil, err
	}

	result := &HeartbeatResult{
		Job:             job,
		CancelRequested: job.CancelRequested(),
		CancelReason:    job.CancelReason,
	}
	mode, err := q.pauseMode(ctx)
	if err != nil {
		// The lease is already renewed; the next heartbeat retries the read.
		q.logger.Warn("failed to read pause state during heartbeat", "job_id", jobID, "error", err)
	}
	result.PauseMode = mode
	return result, nil
}

// Complete marks a held job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, req CompleteRequest) (*core.AgentJob, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, core.Invalid("workerId", "required")
	}
	job, err := q.store.CompleteJob(ctx, jobID, workerID, core.Completion{
		ResultSummary: q.redactor.Scrub(strings.TrimSpace(req.Summary)),
		ArtifactsPath: strings.TrimSpace(req.ArtifactsPath),
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("job succeeded", "job_id", job.ID, "worker_id", workerID)
	q.bus.Emit(&core.JobSucceeded{Job: job, Timestamp: q.clock.Now()})
	return job, nil
}

// Fail records a failed attempt. The resulting status is queued (retry),
// dead_letter or cancelled.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, req FailRequest) (*core.AgentJob, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, core.Invalid("workerId", "required")
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, core.Invalid("message", "required")
	}
	job, err := q.store.FailJob(ctx, jobID, workerID, core.Failure{
		Message:   q.redactor.Scrub(msg),
		Retryable: req.Retryable,
	})
	if err != nil {
		return nil, err
	}
	q.emitExit(job)
	return job, nil
}

// emitExit publishes the event matching a job's state after leaving running.
func (q *Queue) emitExit(job *core.AgentJob) {
	now := q.clock.Now()
	switch job.Status {
	case core.StatusQueued:
		ev := &core.JobRetrying{Job: job, Error: job.ErrorMessage, Timestamp: now}
		if job.NextAttemptAt != nil {
			ev.NextAttemptAt = *job.NextAttemptAt
		}
		q.logger.Warn("job will retry", "job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts)
		q.bus.Emit(ev)
	case core.StatusDeadLetter:
		q.logger.Error("job dead-lettered", "job_id", job.ID, "attempt", job.Attempt, "error", job.ErrorMessage)
		q.bus.Emit(&core.JobDeadLettered{Job: job, Error: job.ErrorMessage, Timestamp: now})
	case core.StatusCancelled:
		q.logger.Info("job cancelled", "job_id", job.ID)
		q.bus.Emit(&core.JobCancelled{Job: job, Timestamp: now})
	}
}

// RequestCancellation cancels a queued job or asks the worker holding a
// running job to stop.
func (q *Queue) RequestCancellation(ctx context.Context, jobID string, requester *string, reason string) (*core.AgentJob, error) {
	job, err := q.store.RequestCancellation(ctx, jobID, requester, q.redactor.Scrub(strings.TrimSpace(reason)))
	if err != nil {
		return nil, err
	}
	if job.Status == core.StatusCancelled {
		q.emitExit(job)
	} else {
		q.logger.Info("job cancellation requested", "job_id", job.ID, "worker_id", job.ClaimedBy)
	}
	return job, nil
}

// AcknowledgeCancellation lets the holding worker confirm it stopped.
func (q *Queue) AcknowledgeCancellation(ctx context.Context, jobID, workerID, message string) (*core.AgentJob, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, core.Invalid("workerId", "required")
	}
	job, err := q.store.AcknowledgeCancellation(ctx, jobID, workerID, strings.TrimSpace(message))
	if err != nil {
		return nil, err
	}
	q.emitExit(job)
	return job, nil
}

// DeadLetter forces a queued or running job to dead_letter.
func (q *Queue) DeadLetter(ctx context.Context, jobID string, actor *string, reason string) (*core.AgentJob, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, core.Invalid("reason", "required")
	}
	job, err := q.store.DeadLetterJob(ctx, jobID, actor, q.redactor.Scrub(reason))
	if err != nil {
		return nil, err
	}
	q.emitExit(job)
	return job, nil
}

// ReapExpiredLeases recovers running jobs whose lease expired beyond the
// grace margin. Concurrent reapers are safe: each job is recovered once.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (ReapResult, error) {
	var result ReapResult
	expired, err := q.store.ListExpiredLeases(ctx, q.reapBatch)
	if err != nil {
		return result, fmt.Errorf("list expired leases: %w", err)
	}
	for _, observed := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		job, err := q.store.ReapJob(ctx, observed)
		if err != nil {
			return result, fmt.Errorf("reap job %s: %w", observed.ID, err)
		}
		if job == nil {
			continue
		}
		result.JobIDs = append(result.JobIDs, job.ID)
		switch job.Status {
		case core.StatusQueued:
			result.Requeued++
		case core.StatusDeadLetter:
			result.DeadLettered++
		case core.StatusCancelled:
			result.Cancelled++
		}
		q.bus.Emit(&core.LeaseReaped{Job: job, Timestamp: q.clock.Now()})
		q.emitExit(job)
	}
	if result.Total() > 0 {
		q.logger.Info("reaped expired leases",
			"requeued", result.Requeued, "dead_lettered", result.DeadLettered, "cancelled", result.Cancelled)
	}
	return result, nil
}

// List returns jobs newest first. Limit must be within 1..200; zero means 50.
func (q *Queue) List(ctx context.Context, filter core.JobFilter) (*core.Page[*core.AgentJob], error) {
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if filter.Limit < 1 || filter.Limit > 200 {
		return nil, core.Invalid("limit", "must be between 1 and 200")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, core.Invalid("status", "unknown status %q", filter.Status)
	}
	filter.Type = strings.TrimSpace(filter.Type)
	return q.store.ListJobs(ctx, filter)
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*core.AgentJob, error) {
	return q.store.GetJob(ctx, jobID)
}

// Metrics returns queue depth counters.
func (q *Queue) Metrics(ctx context.Context) (*core.PauseMetrics, error) {
	return q.store.PauseMetrics(ctx)
}
