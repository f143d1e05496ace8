package pause

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/storage"
)

func newTestController(t *testing.T) (*Controller, *storage.GormStorage, *core.EventBus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.ConfigurePool(db))

	clock := core.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := storage.NewGormStorage(db, storage.WithClock(clock))
	require.NoError(t, s.Migrate(context.Background()))

	bus := core.NewEventBus()
	return NewController(s, WithClock(clock), WithEventBus(bus)), s, bus
}

func TestPause_DrainThenResume(t *testing.T) {
	ctx := context.Background()
	c, _, bus := newTestController(t)
	events := bus.Subscribe()
	actor := "ops"

	snap, err := c.Pause(ctx, PauseRequest{Mode: core.PauseModeDrain, Reason: "deploy", Actor: &actor})
	require.NoError(t, err)
	assert.True(t, snap.State.Paused)
	require.NotNil(t, snap.State.Mode)
	assert.Equal(t, core.PauseModeDrain, *snap.State.Mode)
	assert.Equal(t, int64(2), snap.State.Version)
	assert.True(t, snap.Metrics.IsDrained)
	require.Len(t, snap.Audit, 1)
	assert.Equal(t, core.ActionPause, snap.Audit[0].Action)

	ev := <-events
	changed, ok := ev.(*core.PauseChanged)
	require.True(t, ok)
	assert.True(t, changed.State.Paused)

	snap, err = c.Resume(ctx, ResumeRequest{Reason: "deploy finished", Actor: &actor})
	require.NoError(t, err)
	assert.False(t, snap.State.Paused)
	assert.Nil(t, snap.State.Mode)
	assert.Equal(t, int64(3), snap.State.Version)
	require.Len(t, snap.Audit, 2)
	assert.Equal(t, core.ActionResume, snap.Audit[0].Action)
}

func TestPause_RequiresReasonAndValidMode(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)

	_, err := c.Pause(ctx, PauseRequest{Mode: core.PauseModeDrain, Reason: "  "})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = c.Pause(ctx, PauseRequest{Mode: "freeze", Reason: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = c.Resume(ctx, ResumeRequest{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestPause_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)

	_, err := c.Pause(ctx, PauseRequest{Mode: core.PauseModeQuiesce, Reason: "incident", ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = c.Pause(ctx, PauseRequest{Mode: core.PauseModeDrain, Reason: "second operator", ExpectedVersion: 1})
	assert.ErrorIs(t, err, core.ErrConflict)

	state, err := c.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Mode)
	assert.Equal(t, core.PauseModeQuiesce, *state.Mode, "the stale write must not apply")
}

func TestResume_RunningJobsNeedForce(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newTestController(t)

	require.NoError(t, s.CreateJob(ctx, &core.AgentJob{Type: "task"}))
	_, err := s.ClaimJob(ctx, core.ClaimRequest{WorkerID: "w1", Lease: time.Minute})
	require.NoError(t, err)

	_, err = c.Pause(ctx, PauseRequest{Reason: "deploy"})
	require.NoError(t, err)

	_, err = c.Resume(ctx, ResumeRequest{Reason: "too early"})
	assert.ErrorIs(t, err, core.ErrPreconditionFailed)

	snap, err := c.Resume(ctx, ResumeRequest{Reason: "forced", Force: true})
	require.NoError(t, err)
	assert.False(t, snap.State.Paused)
	assert.Equal(t, int64(1), snap.Metrics.Running)
}

func TestResume_NotPausedIsNoop(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)

	snap, err := c.Resume(ctx, ResumeRequest{Reason: "just in case"})
	require.NoError(t, err)
	assert.False(t, snap.State.Paused)
	assert.Equal(t, int64(1), snap.State.Version)
	assert.Empty(t, snap.Audit)
}
