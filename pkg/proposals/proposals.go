// Package proposals triages candidate work before it becomes a job.
//
// Submissions are fingerprinted with dedup.DeriveKey; a second submission of
// the same repository and title folds into the open proposal instead of
// creating a new one. Reviewers reprioritise, snooze, decide or promote
// proposals. Promotion creates the job and closes the proposal atomically.
package proposals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"gorm.io/datatypes"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/dedup"
	"github.com/jdziat/agentqueue/pkg/notify"
	"github.com/jdziat/agentqueue/pkg/queue"
	"github.com/jdziat/agentqueue/pkg/security"
)

// Input limits.
const (
	MaxTitleLength    = 256
	MaxSummaryLength  = 10000
	MaxCategoryLength = 64
	MaxTagLength      = 64
	MaxSnoozeHistory  = 20
	DefaultSimilar    = 10
	MaxSimilar        = 50
)

// WriteCapability lets a worker token submit proposals.
const WriteCapability = "proposals_write"

// RateLimiter spends one token per submission key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// SubmitRequest is a new candidate task.
type SubmitRequest struct {
	Title    string
	Summary  string
	Category string
	Tags     []string
	// TaskCreateRequest is the job envelope: type, priority, maxAttempts,
	// affinityKey and payload. payload.repository is required.
	TaskCreateRequest map[string]any
	OriginSource      core.OriginSource
	OriginID          *string
	OriginMetadata    map[string]any
	CreatedBy         *string
	// Identity is set when a worker submits. It must hold WriteCapability.
	Identity *core.WorkerIdentity
}

// SubmitResult reports whether the submission folded into an open proposal.
type SubmitResult struct {
	Proposal  *core.TaskProposal `json:"proposal"`
	Duplicate bool               `json:"duplicate"`
}

// Service is the proposal triage workflow.
type Service struct {
	store            core.ProposalStore
	limiter          RateLimiter
	publisher        notify.Publisher
	notifyCategories []string
	bus              *core.EventBus
	clock            core.Clock
	redactor         *security.Redactor
	logger           *slog.Logger
}

// NewService creates a Service over store.
func NewService(store core.ProposalStore, opts ...Option) *Service {
	s := &Service{
		store:            store,
		notifyCategories: DefaultNotifyCategories,
		clock:            core.SystemClock{},
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt.applyService(s)
	}
	return s
}

func (s *Service) scrub(text string) string {
	return s.redactor.Scrub(strings.TrimSpace(text))
}

// scrubJSON redacts every string in v by round-tripping it through JSON.
func (s *Service) scrubJSON(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, core.Invalid("taskCreateRequest", "not JSON encodable: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.redactor.Scrub(string(raw))), &out); err != nil {
		return nil, fmt.Errorf("redact task request: %w", err)
	}
	return out, nil
}

func normalizeCategory(category string) (string, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if len(category) > MaxCategoryLength {
		return "", core.Invalid("category", "exceeds %d characters", MaxCategoryLength)
	}
	return category, nil
}

// intField reads an integer from a decoded JSON value.
func intField(req map[string]any, field string, def int) (int, error) {
	v, ok := req[field]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), nil
		}
	}
	return 0, core.Invalid("taskCreateRequest."+field, "must be an integer")
}

// envelope is a validated task create request.
type envelope struct {
	Type        string
	Priority    int
	MaxAttempts int
	AffinityKey string
	Payload     map[string]any
}

func (e envelope) Repository() string {
	repo, _ := e.Payload["repository"].(string)
	return repo
}

func (e envelope) Map() map[string]any {
	m := map[string]any{
		"type":        e.Type,
		"priority":    e.Priority,
		"maxAttempts": e.MaxAttempts,
		"payload":     e.Payload,
	}
	if e.AffinityKey != "" {
		m["affinityKey"] = e.AffinityKey
	}
	return m
}

func parseEnvelope(req map[string]any) (envelope, error) {
	var env envelope
	if req == nil {
		return env, core.Invalid("taskCreateRequest", "required")
	}

	jobType, _ := req["type"].(string)
	env.Type = strings.TrimSpace(jobType)
	if env.Type == "" {
		return env, core.Invalid("taskCreateRequest.type", "required")
	}
	if err := security.ValidateJobType(env.Type); err != nil {
		return env, err
	}

	var err error
	if env.Priority, err = intField(req, "priority", 0); err != nil {
		return env, err
	}
	if env.MaxAttempts, err = intField(req, "maxAttempts", queue.DefaultMaxAttempts); err != nil {
		return env, err
	}
	if env.MaxAttempts < 1 {
		return env, core.Invalid("taskCreateRequest.maxAttempts", "must be at least 1")
	}
	env.MaxAttempts = security.ClampAttempts(env.MaxAttempts)

	if raw, ok := req["affinityKey"]; ok && raw != nil {
		key, isString := raw.(string)
		if !isString {
			return env, core.Invalid("taskCreateRequest.affinityKey", "must be a string")
		}
		env.AffinityKey = strings.TrimSpace(key)
		if len(env.AffinityKey) > security.MaxAffinityKeyLength {
			return env, core.Invalid("taskCreateRequest.affinityKey", "exceeds %d characters", security.MaxAffinityKeyLength)
		}
	}

	switch p := req["payload"].(type) {
	case nil:
		env.Payload = map[string]any{}
	case map[string]any:
		env.Payload = p
	case datatypes.JSONMap:
		env.Payload = map[string]any(p)
	default:
		return env, core.Invalid("taskCreateRequest.payload", "must be an object")
	}
	if err := queue.ValidatePayload(env.Payload); err != nil {
		return env, err
	}
	if env.Repository() == "" {
		return env, core.Invalid("taskCreateRequest.payload.repository", "required")
	}
	return env, nil
}

// Submit validates and stores a proposal. An open proposal with the same
// fingerprint absorbs the submission: its tags are merged and it is
// returned with Duplicate set.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Identity != nil && !slices.Contains(req.Identity.Capabilities, WriteCapability) {
		return nil, fmt.Errorf("%w: capability %q required", core.ErrUnauthorized, WriteCapability)
	}
	if !req.OriginSource.Valid() {
		return nil, core.Invalid("originSource", "must be one of queue, orchestrator, workflow, manual")
	}

	title := s.scrub(req.Title)
	if title == "" {
		return nil, core.Invalid("title", "required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, core.Invalid("title", "exceeds %d characters", MaxTitleLength)
	}
	summary := s.scrub(req.Summary)
	if summary == "" {
		return nil, core.Invalid("summary", "required")
	}
	if utf8.RuneCountInString(summary) > MaxSummaryLength {
		return nil, core.Invalid("summary", "exceeds %d characters", MaxSummaryLength)
	}
	category, err := normalizeCategory(req.Category)
	if err != nil {
		return nil, err
	}
	tags, err := security.NormalizeTags(req.Tags, MaxTagLength)
	if err != nil {
		return nil, err
	}

	env, err := parseEnvelope(req.TaskCreateRequest)
	if err != nil {
		return nil, err
	}
	request, err := s.scrubJSON(env.Map())
	if err != nil {
		return nil, err
	}
	metadata := req.OriginMetadata
	if metadata != nil {
		if metadata, err = s.scrubJSON(metadata); err != nil {
			return nil, err
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, string(req.OriginSource))
		if err != nil {
			// Intake stays available when the limiter backend is down.
			s.logger.Warn("proposal rate limiter unavailable", "origin", req.OriginSource, "error", err)
		} else if !allowed {
			return nil, fmt.Errorf("%w: origin %s", core.ErrRateLimited, req.OriginSource)
		}
	}

	repository := env.Repository()
	key, hash := dedup.DeriveKey(repository, title)
	proposal := &core.TaskProposal{
		Title:             title,
		Summary:           summary,
		Category:          category,
		Tags:              tags,
		Repository:        repository,
		TaskCreateRequest: request,
		DedupKey:          key,
		DedupHash:         hash,
		OriginSource:      req.OriginSource,
		OriginID:          req.OriginID,
		OriginMetadata:    metadata,
		CreatedByUserID:   req.CreatedBy,
	}

	stored, created, err := s.store.CreateProposal(ctx, proposal)
	if err != nil {
		return nil, err
	}
	if !created {
		stored, err = s.mergeTags(ctx, stored, tags)
		if err != nil {
			return nil, err
		}
		s.logger.Info("proposal folded into open duplicate", "proposal_id", stored.ID, "repository", repository)
	} else {
		s.logger.Info("proposal created", "proposal_id", stored.ID, "repository", repository, "category", category)
		s.announce(ctx, stored)
	}

	s.bus.Emit(&core.ProposalSubmitted{Proposal: stored, Duplicate: !created, Timestamp: s.clock.Now()})
	return &SubmitResult{Proposal: stored, Duplicate: !created}, nil
}

func (s *Service) mergeTags(ctx context.Context, existing *core.TaskProposal, tags []string) (*core.TaskProposal, error) {
	if !hasNewTags(existing.Tags, tags) {
		return existing, nil
	}
	return s.store.MutateOpenProposal(ctx, existing.ID, func(cur *core.TaskProposal) (map[string]any, error) {
		merged := slices.Clone([]string(cur.Tags))
		for _, t := range tags {
			if !slices.Contains(merged, t) {
				merged = append(merged, t)
			}
		}
		if len(merged) == len(cur.Tags) {
			return nil, nil
		}
		return map[string]any{"tags": datatypes.JSONSlice[string](merged)}, nil
	})
}

func hasNewTags(current, incoming []string) bool {
	for _, t := range incoming {
		if !slices.Contains(current, t) {
			return true
		}
	}
	return false
}

// announce publishes a new proposal in a notify category. The notification
// row is written first so each subject hears about a proposal once.
func (s *Service) announce(ctx context.Context, p *core.TaskProposal) {
	if s.publisher == nil || !slices.Contains(s.notifyCategories, p.Category) {
		return
	}
	target := notify.Subject(p.Category)
	fresh, err := s.store.RecordNotification(ctx, &core.TaskProposalNotification{
		ProposalID: p.ID,
		Target:     target,
		Status:     "pending",
	})
	if err != nil {
		s.logger.Warn("failed to record proposal notification", "proposal_id", p.ID, "error", err)
		return
	}
	if !fresh {
		return
	}

	status, errMsg := "sent", ""
	data, err := notify.NewProposalMessage(p).Encode()
	if err == nil {
		err = s.publisher.Publish(ctx, target, data)
	}
	if err != nil {
		status, errMsg = "failed", security.SanitizeErrorMessage(err.Error())
		s.logger.Warn("proposal notification failed", "proposal_id", p.ID, "target", target, "error", err)
	}
	if err := s.store.UpdateNotificationStatus(ctx, p.ID, target, status, errMsg); err != nil {
		s.logger.Debug("failed to update notification status", "proposal_id", p.ID, "error", err)
	}
}

// List returns proposals newest first. Limit must be within 1..200; zero
// means 50.
func (s *Service) List(ctx context.Context, filter core.ProposalFilter) (*core.Page[*core.TaskProposal], error) {
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if filter.Limit < 1 || filter.Limit > 200 {
		return nil, core.Invalid("limit", "must be between 1 and 200")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, core.Invalid("status", "unknown status %q", filter.Status)
	}
	if filter.OriginSource != "" && !filter.OriginSource.Valid() {
		return nil, core.Invalid("originSource", "unknown origin %q", filter.OriginSource)
	}
	category, err := normalizeCategory(filter.Category)
	if err != nil {
		return nil, err
	}
	filter.Category = category
	filter.Repository = strings.TrimSpace(filter.Repository)
	return s.store.ListProposals(ctx, filter)
}

// Get returns one proposal.
func (s *Service) Get(ctx context.Context, id string) (*core.TaskProposal, error) {
	return s.store.GetProposal(ctx, id)
}

// Similar returns other proposals with the same fingerprint in any status,
// newest first. Only one can be open at a time, so these are mostly earlier
// decisions on the same task.
func (s *Service) Similar(ctx context.Context, id string, limit int) ([]*core.TaskProposal, error) {
	if limit <= 0 {
		limit = DefaultSimilar
	}
	limit = min(limit, MaxSimilar)

	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	page, err := s.store.ListProposals(ctx, core.ProposalFilter{
		DedupHash:      p.DedupHash,
		IncludeSnoozed: true,
		Limit:          limit + 1,
	})
	if err != nil {
		return nil, err
	}
	similar := make([]*core.TaskProposal, 0, len(page.Items))
	for _, other := range page.Items {
		if other.ID != p.ID && len(similar) < limit {
			similar = append(similar, other)
		}
	}
	return similar, nil
}

// ExpireSnoozes clears snoozes whose window has elapsed.
func (s *Service) ExpireSnoozes(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireSnoozes(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired proposal snoozes", "count", n)
	}
	return n, nil
}
