// Package agentqueue is a durable queue for agent jobs with a proposal
// control plane in front of it.
//
// This is the main package users should import. It wires the pkg/ packages
// over one database and re-exports their common types.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("agentqueue.db"), &gorm.Config{})
//	sys, _ := agentqueue.Open(ctx, db)
//
//	// Mint a worker credential
//	issued, _ := sys.Tokens.Issue(ctx, auth.IssueRequest{WorkerID: "builder-1"})
//	identity, _ := sys.Tokens.Authenticate(ctx, issued.Raw)
//
//	// Enqueue and process
//	sys.Queue.Enqueue(ctx, "summarize", map[string]any{"repository": "acme/api"})
//	w := sys.NewWorker(identity)
//	w.Handle("summarize", func(ctx context.Context, job *agentqueue.AgentJob) (*worker.Outcome, error) {
//	    return &worker.Outcome{Summary: "done"}, nil
//	})
//	w.Start(ctx)
package agentqueue

import (
	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/pause"
	"github.com/jdziat/agentqueue/pkg/proposals"
	"github.com/jdziat/agentqueue/pkg/worker"
)

type (
	// AgentJob is a unit of asynchronous work.
	AgentJob = core.AgentJob

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// AgentJobEvent is one entry of a job's event log.
	AgentJobEvent = core.AgentJobEvent

	// AgentJobArtifact is metadata for a file a job produced.
	AgentJobArtifact = core.AgentJobArtifact

	// TaskProposal is candidate work awaiting triage.
	TaskProposal = core.TaskProposal

	// WorkerIdentity is an authenticated worker.
	WorkerIdentity = core.WorkerIdentity

	// Event is the interface for all bus events.
	Event = core.Event

	// Handler executes one job inside a Worker.
	Handler = worker.Handler

	// Outcome is what a successful Handler reports.
	Outcome = worker.Outcome

	// SubmitRequest is a new proposal.
	SubmitRequest = proposals.SubmitRequest

	// PauseMode selects how strictly paused workers stop.
	PauseMode = core.PauseMode

	// PauseRequest stops workers from claiming.
	PauseRequest = pause.PauseRequest

	// ResumeRequest lets workers claim again.
	ResumeRequest = pause.ResumeRequest
)

// Job statuses.
const (
	StatusQueued     = core.StatusQueued
	StatusRunning    = core.StatusRunning
	StatusSucceeded  = core.StatusSucceeded
	StatusCancelled  = core.StatusCancelled
	StatusDeadLetter = core.StatusDeadLetter
)

// Pause modes.
const (
	PauseModeDrain   = core.PauseModeDrain
	PauseModeQuiesce = core.PauseModeQuiesce
)
