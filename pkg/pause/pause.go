// Package pause implements the global worker pause switch.
//
// The switch is a single versioned row. Every change is a compare-and-swap
// on that version and appends an audit event in the same transaction, so
// concurrent operators cannot silently overwrite each other.
package pause

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// DefaultAuditLimit is how many control events a snapshot carries.
const DefaultAuditLimit = 5

// PauseRequest stops workers from claiming new jobs.
type PauseRequest struct {
	Mode   core.PauseMode
	Reason string
	Actor  *string
	// ExpectedVersion guards against stale writes. Zero uses the version
	// read at the start of the call.
	ExpectedVersion int64
}

// ResumeRequest lets workers claim again.
type ResumeRequest struct {
	Reason string
	Actor  *string
	// Force resumes even while jobs are still running.
	Force           bool
	ExpectedVersion int64
}

// Snapshot is the operator view of the pause switch.
type Snapshot struct {
	State   *core.WorkerPauseState     `json:"state"`
	Metrics *core.PauseMetrics         `json:"metrics"`
	Audit   []*core.SystemControlEvent `json:"audit"`
}

// Controller reads and flips the pause switch.
type Controller struct {
	store  core.PauseStore
	clock  core.Clock
	bus    *core.EventBus
	logger *slog.Logger
}

// Option configures a Controller.
type Option interface {
	applyController(*Controller)
}

type optionFunc func(*Controller)

func (f optionFunc) applyController(c *Controller) { f(c) }

// WithClock sets the time source used for RequestedAt.
func WithClock(clock core.Clock) Option {
	return optionFunc(func(c *Controller) { c.clock = clock })
}

// WithEventBus publishes PauseChanged events on bus.
func WithEventBus(bus *core.EventBus) Option {
	return optionFunc(func(c *Controller) { c.bus = bus })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Controller) { c.logger = l })
}

// NewController creates a Controller over store.
func NewController(store core.PauseStore, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		clock:  core.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt.applyController(c)
	}
	return c
}

// State returns the current pause row.
func (c *Controller) State(ctx context.Context) (*core.WorkerPauseState, error) {
	return c.store.GetPauseState(ctx)
}

// Snapshot returns state, queue metrics and the latest audit events.
func (c *Controller) Snapshot(ctx context.Context) (*Snapshot, error) {
	state, err := c.store.GetPauseState(ctx)
	if err != nil {
		return nil, err
	}
	return c.snapshot(ctx, state)
}

func (c *Controller) snapshot(ctx context.Context, state *core.WorkerPauseState) (*Snapshot, error) {
	metrics, err := c.store.PauseMetrics(ctx)
	if err != nil {
		return nil, err
	}
	audit, err := c.store.ListControlEvents(ctx, DefaultAuditLimit)
	if err != nil {
		return nil, err
	}
	return &Snapshot{State: state, Metrics: metrics, Audit: audit}, nil
}

func cleanReason(reason string) (string, error) {
	reason = security.SanitizeErrorMessage(strings.TrimSpace(reason))
	if reason == "" {
		return "", core.Invalid("reason", "required")
	}
	return reason, nil
}

// Pause blocks new claims. Pausing an already paused system updates the
// mode and reason.
func (c *Controller) Pause(ctx context.Context, req PauseRequest) (*Snapshot, error) {
	if req.Mode == "" {
		req.Mode = core.PauseModeDrain
	}
	if !req.Mode.Valid() {
		return nil, core.Invalid("mode", "must be drain or quiesce")
	}
	reason, err := cleanReason(req.Reason)
	if err != nil {
		return nil, err
	}

	current, err := c.store.GetPauseState(ctx)
	if err != nil {
		return nil, err
	}
	expected := req.ExpectedVersion
	if expected == 0 {
		expected = current.Version
	}

	mode := req.Mode
	now := c.clock.Now()
	next := &core.WorkerPauseState{
		Paused:            true,
		Mode:              &mode,
		Reason:            reason,
		RequestedByUserID: req.Actor,
		RequestedAt:       &now,
	}
	ev := &core.SystemControlEvent{
		Action:      core.ActionPause,
		Mode:        &mode,
		Reason:      reason,
		ActorUserID: req.Actor,
	}
	state, err := c.store.UpdatePauseState(ctx, next, expected, ev)
	if err != nil {
		return nil, err
	}

	c.logger.Info("workers paused", "mode", mode, "version", state.Version)
	c.bus.Emit(&core.PauseChanged{State: state, Timestamp: now})
	return c.snapshot(ctx, state)
}

// Resume re-enables claims. While jobs are still running it refuses unless
// Force is set. Resuming a running system is a no-op.
func (c *Controller) Resume(ctx context.Context, req ResumeRequest) (*Snapshot, error) {
	reason, err := cleanReason(req.Reason)
	if err != nil {
		return nil, err
	}

	current, err := c.store.GetPauseState(ctx)
	if err != nil {
		return nil, err
	}
	if !current.Paused {
		return c.snapshot(ctx, current)
	}
	if !req.Force {
		metrics, err := c.store.PauseMetrics(ctx)
		if err != nil {
			return nil, err
		}
		if !metrics.IsDrained {
			return nil, fmt.Errorf("%w: %d jobs still running; set Force to resume anyway",
				core.ErrPreconditionFailed, metrics.Running)
		}
	}

	expected := req.ExpectedVersion
	if expected == 0 {
		expected = current.Version
	}
	now := c.clock.Now()
	next := &core.WorkerPauseState{
		Paused:            false,
		Reason:            reason,
		RequestedByUserID: req.Actor,
		RequestedAt:       &now,
	}
	ev := &core.SystemControlEvent{
		Action:      core.ActionResume,
		Reason:      reason,
		ActorUserID: req.Actor,
	}
	state, err := c.store.UpdatePauseState(ctx, next, expected, ev)
	if err != nil {
		return nil, err
	}

	c.logger.Info("workers resumed", "forced", req.Force, "version", state.Version)
	c.bus.Emit(&core.PauseChanged{State: state, Timestamp: now})
	return c.snapshot(ctx, state)
}
