package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/agentqueue/pkg/core"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *core.ManualClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := core.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewTokenBucket(client, capacity, refill, time.Minute).WithClock(clock), clock
}

func TestTokenBucket_Capacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "orchestrator")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, remaining, err := bucket.Allow(ctx, "orchestrator")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 0, remaining, 0.001)

	allowed, _, err = bucket.Allow(ctx, "orchestrator")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0.1)

	allowed, _, err := bucket.Allow(ctx, "queue")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "workflow")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTokenBucket_Refill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	allowed, _, err := bucket.Allow(ctx, "manual")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "manual")
	require.False(t, allowed)

	// The script takes time from the Go side, so the manual clock drives refill.
	clock.Advance(500 * time.Millisecond)
	allowed, _, err = bucket.Allow(ctx, "manual")
	require.NoError(t, err)
	assert.True(t, allowed)
}
