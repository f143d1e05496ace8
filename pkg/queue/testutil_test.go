package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/storage"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeGate is a PauseGate with a settable mode.
type fakeGate struct {
	mode *core.PauseMode
	err  error
}

func (g *fakeGate) State(context.Context) (*core.WorkerPauseState, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &core.WorkerPauseState{ID: core.WorkerPauseStateID, Paused: g.mode != nil, Mode: g.mode}, nil
}

type harness struct {
	q     *Queue
	store *storage.GormStorage
	clock *core.ManualClock
	gate  *fakeGate
}

func newHarness(t *testing.T, opts ...QueueOption) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.ConfigurePool(db))

	clock := core.NewManualClock(testEpoch)
	s := storage.NewGormStorage(db,
		storage.WithClock(clock),
		storage.WithRetryPolicy(core.RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute}),
		storage.WithLeaseGrace(30*time.Second),
	)
	require.NoError(t, s.Migrate(context.Background()))

	gate := &fakeGate{}
	opts = append([]QueueOption{WithClock(clock), WithPauseGate(gate)}, opts...)
	return &harness{q: New(s, opts...), store: s, clock: clock, gate: gate}
}

func worker(id string) *core.WorkerIdentity {
	return &core.WorkerIdentity{WorkerID: id}
}

func (h *harness) mustClaim(t *testing.T, identity *core.WorkerIdentity, opts ...ClaimOption) *core.AgentJob {
	t.Helper()
	res, err := h.q.Claim(context.Background(), identity, opts...)
	require.NoError(t, err)
	require.Equal(t, ClaimClaimed, res.Outcome)
	return res.Job
}

// nextEvent returns the next bus event of type T, skipping others.
func nextEvent[T core.Event](t *testing.T, ch <-chan core.Event) T {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
