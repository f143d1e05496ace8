package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running background components.
type Starter interface {
	Start(ctx context.Context) error
}

// ClaimRequest describes a worker asking for its next job.
type ClaimRequest struct {
	WorkerID string
	// JobTypes limits the candidates. Empty means any type.
	JobTypes []string
	Lease    time.Duration
	// Eligible filters candidates on payload-derived rules such as the
	// repository allow-list. Nil accepts every candidate.
	Eligible func(*AgentJob) bool
}

// Completion is the terminal metadata of a successful job.
type Completion struct {
	ResultSummary string
	ArtifactsPath string
}

// Failure describes a failed attempt.
type Failure struct {
	Message   string
	Retryable bool
}

// JobStore owns the AgentJob lifecycle. Every transition is a conditional
// update; a precondition mismatch returns ErrConflict or ErrLeaseLost.
type JobStore interface {
	CreateJob(ctx context.Context, job *AgentJob) error
	ClaimJob(ctx context.Context, req ClaimRequest) (*AgentJob, error)
	HeartbeatJob(ctx context.Context, jobID, workerID string, lease time.Duration) (*AgentJob, error)
	CompleteJob(ctx context.Context, jobID, workerID string, c Completion) (*AgentJob, error)
	FailJob(ctx context.Context, jobID, workerID string, f Failure) (*AgentJob, error)
	RequestCancellation(ctx context.Context, jobID string, requester *string, reason string) (*AgentJob, error)
	AcknowledgeCancellation(ctx context.Context, jobID, workerID, message string) (*AgentJob, error)
	DeadLetterJob(ctx context.Context, jobID string, actor *string, reason string) (*AgentJob, error)

	// Reaping
	ListExpiredLeases(ctx context.Context, limit int) ([]*AgentJob, error)
	ReapJob(ctx context.Context, observed *AgentJob) (*AgentJob, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*AgentJob, error)
	GetHeldJob(ctx context.Context, jobID, workerID string) (*AgentJob, error)
	ListJobs(ctx context.Context, filter JobFilter) (*Page[*AgentJob], error)
	PauseMetrics(ctx context.Context) (*PauseMetrics, error)

	// Events and artifacts
	AppendEvent(ctx context.Context, ev *AgentJobEvent) error
	ListEvents(ctx context.Context, jobID string, after *time.Time, limit int) ([]*AgentJobEvent, error)
	SaveArtifact(ctx context.Context, a *AgentJobArtifact) error
	GetArtifact(ctx context.Context, jobID, artifactID string) (*AgentJobArtifact, error)
	ListArtifacts(ctx context.Context, jobID string, limit int) ([]*AgentJobArtifact, error)
}

// TokenStore persists worker credentials.
type TokenStore interface {
	CreateWorkerToken(ctx context.Context, tok *WorkerToken) error
	FindActiveWorkerToken(ctx context.Context, tokenHash string) (*WorkerToken, error)
	TouchWorkerToken(ctx context.Context, id string) error
	GetWorkerToken(ctx context.Context, id string) (*WorkerToken, error)
	ListWorkerTokens(ctx context.Context, limit int) ([]*WorkerToken, error)
	RevokeWorkerToken(ctx context.Context, id string) (*WorkerToken, error)
}

// PauseStore persists the singleton pause row and its audit trail.
type PauseStore interface {
	GetPauseState(ctx context.Context) (*WorkerPauseState, error)
	// UpdatePauseState writes next iff the stored version equals
	// expectedVersion, bumping the version and appending ev atomically.
	UpdatePauseState(ctx context.Context, next *WorkerPauseState, expectedVersion int64, ev *SystemControlEvent) (*WorkerPauseState, error)
	ListControlEvents(ctx context.Context, limit int) ([]*SystemControlEvent, error)
	PauseMetrics(ctx context.Context) (*PauseMetrics, error)
}

// Promotion is written when a proposal becomes a job.
type Promotion struct {
	Job   *AgentJob
	Actor *string
	Note  string
	// TaskCreateRequest replaces the stored request when non-nil, recording
	// the overrides the job was created with.
	TaskCreateRequest map[string]any
}

// ProposalMutation edits an open proposal and returns the columns to write.
type ProposalMutation func(p *TaskProposal) (map[string]any, error)

// ProposalStore persists task proposals.
type ProposalStore interface {
	// CreateProposal inserts p unless an open proposal with the same dedup
	// hash and repository exists, in which case that row is returned with
	// created=false.
	CreateProposal(ctx context.Context, p *TaskProposal) (existing *TaskProposal, created bool, err error)
	GetProposal(ctx context.Context, id string) (*TaskProposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) (*Page[*TaskProposal], error)
	MutateOpenProposal(ctx context.Context, id string, mutate ProposalMutation) (*TaskProposal, error)
	// PromoteProposal inserts the job and marks the proposal promoted in one
	// transaction.
	PromoteProposal(ctx context.Context, id string, p Promotion) (*TaskProposal, error)
	ExpireSnoozes(ctx context.Context) (int64, error)
	RecordNotification(ctx context.Context, n *TaskProposalNotification) (bool, error)
	UpdateNotificationStatus(ctx context.Context, proposalID, target, status, errMsg string) error
}
