package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/notify"
	"github.com/jdziat/agentqueue/pkg/ratelimit"
	"github.com/jdziat/agentqueue/pkg/security"
	"github.com/jdziat/agentqueue/pkg/storage"
)

type harness struct {
	svc   *Service
	store *storage.GormStorage
	clock *core.ManualClock
	pub   *notify.MemoryPublisher
	bus   *core.EventBus
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.ConfigurePool(db))

	clock := core.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := storage.NewGormStorage(db, storage.WithClock(clock))
	require.NoError(t, s.Migrate(context.Background()))

	pub := notify.NewMemoryPublisher()
	bus := core.NewEventBus()
	opts = append([]Option{
		WithClock(clock),
		WithPublisher(pub),
		WithEventBus(bus),
		WithRedactor(security.NewRedactor("s3cr3t-value")),
	}, opts...)
	return &harness{svc: NewService(s, opts...), store: s, clock: clock, pub: pub, bus: bus}
}

func submitRequest(repo, title string) SubmitRequest {
	return SubmitRequest{
		Title:        title,
		Summary:      "Details about " + title,
		OriginSource: core.OriginOrchestrator,
		TaskCreateRequest: map[string]any{
			"type":     "code.fix",
			"priority": 2,
			"payload":  map[string]any{"repository": repo, "instructions": "do it"},
		},
	}
}

func (h *harness) submit(t *testing.T, req SubmitRequest) *SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestSubmit_CreatesProposal(t *testing.T) {
	h := newHarness(t)
	req := submitRequest("Acme/API", "Fix flaky login test")
	req.Category = "Bugs"
	req.Tags = []string{"CI", "ci", " flaky "}
	req.Summary = "token s3cr3t-value leaked in logs"

	res := h.submit(t, req)
	p := res.Proposal
	assert.False(t, res.Duplicate)
	assert.Equal(t, core.ProposalOpen, p.Status)
	assert.Equal(t, "bugs", p.Category)
	assert.Equal(t, []string{"ci", "flaky"}, []string(p.Tags))
	assert.Equal(t, "acme/api:fix-flaky-login-test", p.DedupKey)
	assert.Equal(t, "token *** leaked in logs", p.Summary)
	assert.Equal(t, core.ReviewNormal, p.ReviewPriority)
	assert.Equal(t, "code.fix", p.TaskCreateRequest["type"])
	assert.EqualValues(t, 3, p.TaskCreateRequest["maxAttempts"])
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)

	cases := map[string]func(r *SubmitRequest){
		"missing title":    func(r *SubmitRequest) { r.Title = " " },
		"long title":       func(r *SubmitRequest) { r.Title = strings.Repeat("t", MaxTitleLength+1) },
		"missing summary":  func(r *SubmitRequest) { r.Summary = "" },
		"long summary":     func(r *SubmitRequest) { r.Summary = strings.Repeat("s", MaxSummaryLength+1) },
		"long category":    func(r *SubmitRequest) { r.Category = strings.Repeat("c", 65) },
		"long tag":         func(r *SubmitRequest) { r.Tags = []string{strings.Repeat("g", 65)} },
		"bad origin":       func(r *SubmitRequest) { r.OriginSource = "cron" },
		"no request":       func(r *SubmitRequest) { r.TaskCreateRequest = nil },
		"no type":          func(r *SubmitRequest) { delete(r.TaskCreateRequest, "type") },
		"bad priority":     func(r *SubmitRequest) { r.TaskCreateRequest["priority"] = "high" },
		"zero attempts":    func(r *SubmitRequest) { r.TaskCreateRequest["maxAttempts"] = 0 },
		"payload not map":  func(r *SubmitRequest) { r.TaskCreateRequest["payload"] = []string{"x"} },
		"no repository":    func(r *SubmitRequest) { r.TaskCreateRequest["payload"] = map[string]any{} },
		"bad repository":   func(r *SubmitRequest) { r.TaskCreateRequest["payload"] = map[string]any{"repository": "nope"} },
		"affinity not str": func(r *SubmitRequest) { r.TaskCreateRequest["affinityKey"] = 5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := submitRequest("acme/api", "Fix it")
			mutate(&req)
			_, err := h.svc.Submit(context.Background(), req)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestSubmit_WorkerNeedsWriteCapability(t *testing.T) {
	h := newHarness(t)
	req := submitRequest("acme/api", "Fix it")

	req.Identity = &core.WorkerIdentity{WorkerID: "w1"}
	_, err := h.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	req.Identity.Capabilities = []string{WriteCapability}
	h.submit(t, req)
}

func TestSubmit_DuplicateMergesTags(t *testing.T) {
	h := newHarness(t)
	events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(events)

	first := submitRequest("acme/api", "Fix Login")
	first.Tags = []string{"auth"}
	a := h.submit(t, first)

	second := submitRequest("ACME/api", "fix   login!!")
	second.Tags = []string{"auth", "urgent"}
	b := h.submit(t, second)

	assert.True(t, b.Duplicate)
	assert.Equal(t, a.Proposal.ID, b.Proposal.ID)
	assert.Equal(t, []string{"auth", "urgent"}, []string(b.Proposal.Tags))

	ev := (<-events).(*core.ProposalSubmitted)
	assert.False(t, ev.Duplicate)
	ev = (<-events).(*core.ProposalSubmitted)
	assert.True(t, ev.Duplicate)

	page, err := h.svc.List(context.Background(), core.ProposalFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestSubmit_ClosedProposalAllowsResubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.submit(t, submitRequest("acme/api", "Fix login"))

	_, err := h.svc.Decide(ctx, a.Proposal.ID, core.ProposalDismissed, "not now", nil)
	require.NoError(t, err)

	b := h.submit(t, submitRequest("acme/api", "Fix login"))
	assert.False(t, b.Duplicate)
	assert.NotEqual(t, a.Proposal.ID, b.Proposal.ID)

	similar, err := h.svc.Similar(ctx, b.Proposal.ID, 0)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, a.Proposal.ID, similar[0].ID)
}

func TestSubmit_NotifiesOncePerCategory(t *testing.T) {
	h := newHarness(t)

	req := submitRequest("acme/api", "Rotate key")
	req.Category = "security"
	res := h.submit(t, req)
	h.submit(t, req)

	other := submitRequest("acme/api", "Refactor module")
	other.Category = "cleanup"
	h.submit(t, other)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "agentqueue.proposals.security", msgs[0].Subject)

	var body notify.ProposalMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, res.Proposal.ID, body.ProposalID)
}

func TestSubmit_NotificationFailureDoesNotFailSubmit(t *testing.T) {
	h := newHarness(t)
	h.pub.FailWith(errors.New("bus down"))

	req := submitRequest("acme/api", "Add missing tests")
	req.Category = "tests"
	res := h.submit(t, req)

	var n core.TaskProposalNotification
	require.NoError(t, h.store.DB().First(&n, "proposal_id = ?", res.Proposal.ID).Error)
	assert.Equal(t, "failed", n.Status)
	assert.Contains(t, n.Error, "bus down")
}

func TestSubmit_RateLimitedPerOrigin(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := ratelimit.NewTokenBucket(client, 2, 0.001, time.Minute)

	h := newHarness(t, WithRateLimiter(bucket))
	for i := range 2 {
		h.submit(t, submitRequest("acme/api", fmt.Sprintf("task %d", i)))
	}
	_, err := h.svc.Submit(context.Background(), submitRequest("acme/api", "one too many"))
	assert.ErrorIs(t, err, core.ErrRateLimited)

	manual := submitRequest("acme/api", "from a human")
	manual.OriginSource = core.OriginManual
	h.submit(t, manual)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, float64, error) {
	return false, 0, errors.New("redis unreachable")
}

func TestSubmit_LimiterErrorFailsOpen(t *testing.T) {
	h := newHarness(t, WithRateLimiter(brokenLimiter{}))
	h.submit(t, submitRequest("acme/api", "still accepted"))
}

func TestList_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.List(ctx, core.ProposalFilter{Limit: 500})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = h.svc.List(ctx, core.ProposalFilter{Status: "closed"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = h.svc.List(ctx, core.ProposalFilter{OriginSource: "cron"})
	assert.ErrorIs(t, err, core.ErrValidation)
}
