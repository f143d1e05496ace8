package proposals

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// SetPriority changes the review priority of an open proposal.
func (s *Service) SetPriority(ctx context.Context, id string, priority core.ReviewPriority, reason string, actor *string) (*core.TaskProposal, error) {
	if !priority.Valid() {
		return nil, core.Invalid("priority", "must be one of low, normal, high, urgent")
	}
	reason = s.scrub(reason)
	p, err := s.store.MutateOpenProposal(ctx, id, func(*core.TaskProposal) (map[string]any, error) {
		return map[string]any{
			"review_priority":          priority,
			"priority_override_reason": reason,
			"decided_by_user_id":       actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal review priority updated", "proposal_id", id, "priority", priority)
	return p, nil
}

// Snooze hides an open proposal from active listings until the given time.
// Each snooze is kept in a bounded history.
func (s *Service) Snooze(ctx context.Context, id string, until time.Time, note string, actor *string) (*core.TaskProposal, error) {
	now := s.clock.Now()
	until = until.UTC().Truncate(time.Microsecond)
	if !until.After(now) {
		return nil, core.Invalid("until", "must be in the future")
	}
	note = s.scrub(note)

	p, err := s.store.MutateOpenProposal(ctx, id, func(cur *core.TaskProposal) (map[string]any, error) {
		record := core.SnoozeRecord{Until: until, Note: note, CreatedAt: now}
		if actor != nil {
			record.SnoozedBy = *actor
		}
		history := append([]core.SnoozeRecord(cur.SnoozeHistory), record)
		if len(history) > MaxSnoozeHistory {
			history = history[len(history)-MaxSnoozeHistory:]
		}
		return map[string]any{
			"snoozed_until":      until,
			"snoozed_by_user_id": actor,
			"snooze_note":        note,
			"snooze_history":     datatypes.JSONSlice[core.SnoozeRecord](history),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal snoozed", "proposal_id", id, "until", until)
	return p, nil
}

// Unsnooze returns an open proposal to active listings.
func (s *Service) Unsnooze(ctx context.Context, id string, actor *string) (*core.TaskProposal, error) {
	p, err := s.store.MutateOpenProposal(ctx, id, func(*core.TaskProposal) (map[string]any, error) {
		return map[string]any{
			"snoozed_until":      nil,
			"snoozed_by_user_id": actor,
			"snooze_note":        "",
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal unsnoozed", "proposal_id", id)
	return p, nil
}

// Decide closes an open proposal without creating a job.
func (s *Service) Decide(ctx context.Context, id string, outcome core.ProposalStatus, note string, actor *string) (*core.TaskProposal, error) {
	switch outcome {
	case core.ProposalDismissed, core.ProposalAccepted, core.ProposalRejected:
	default:
		return nil, core.Invalid("outcome", "must be one of dismissed, accepted, rejected")
	}
	note = s.scrub(note)
	p, err := s.store.MutateOpenProposal(ctx, id, func(*core.TaskProposal) (map[string]any, error) {
		return map[string]any{
			"status":             outcome,
			"decided_by_user_id": actor,
			"decision_note":      note,
			"decided_at":         s.clock.Now(),
			"snoozed_until":      nil,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal decided", "proposal_id", id, "outcome", outcome)
	s.bus.Emit(&core.ProposalDecided{Proposal: p, Timestamp: s.clock.Now()})
	return p, nil
}

// Promote creates a queued job from an open proposal. The job insert and the
// proposal update commit together; on any error the proposal stays open.
func (s *Service) Promote(ctx context.Context, id string, actor *string, opts ...PromoteOption) (*core.TaskProposal, *core.AgentJob, error) {
	options := &PromoteOptions{}
	for _, opt := range opts {
		opt.applyPromote(options)
	}

	current, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current.Status != core.ProposalOpen {
		return nil, nil, fmt.Errorf("%w: proposal %s is %s", core.ErrConflict, id, current.Status)
	}

	request := map[string]any(current.TaskCreateRequest)
	if options.TaskCreateRequest != nil {
		request = options.TaskCreateRequest
	}
	env, err := parseEnvelope(request)
	if err != nil {
		return nil, nil, err
	}
	if options.Priority != nil {
		env.Priority = *options.Priority
	}
	if options.MaxAttempts != nil {
		if *options.MaxAttempts < 1 {
			return nil, nil, core.Invalid("maxAttempts", "must be at least 1")
		}
		env.MaxAttempts = security.ClampAttempts(*options.MaxAttempts)
	}
	final, err := s.scrubJSON(env.Map())
	if err != nil {
		return nil, nil, err
	}

	job := &core.AgentJob{
		Type:            env.Type,
		Priority:        env.Priority,
		Payload:         env.Payload,
		AffinityKey:     env.AffinityKey,
		MaxAttempts:     env.MaxAttempts,
		CreatedByUserID: actor,
	}
	promoted, err := s.store.PromoteProposal(ctx, id, core.Promotion{
		Job:               job,
		Actor:             actor,
		Note:              s.scrub(options.Note),
		TaskCreateRequest: final,
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	s.logger.Info("proposal promoted", "proposal_id", id, "job_id", job.ID,
		"priority", job.Priority, "max_attempts", job.MaxAttempts)
	s.bus.Emit(&core.JobEnqueued{Job: job, Timestamp: now})
	s.bus.Emit(&core.ProposalPromotedEvent{Proposal: promoted, Job: job, Timestamp: now})
	return promoted, job, nil
}
