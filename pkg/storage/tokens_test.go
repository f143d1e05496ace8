package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/agentqueue/pkg/core"
)

func TestWorkerTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStorage(t)

	tok := &core.WorkerToken{
		WorkerID:            "runner-1",
		TokenHash:           "sha256:abc",
		AllowedRepositories: []string{"acme/api"},
		Capabilities:        []string{"docker"},
	}
	require.NoError(t, s.CreateWorkerToken(ctx, tok))
	assert.True(t, tok.IsActive)

	found, err := s.FindActiveWorkerToken(ctx, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, found.ID)
	assert.Equal(t, []string{"acme/api"}, []string(found.AllowedRepositories))
	assert.Nil(t, found.LastUsedAt)

	clock.Advance(time.Minute)
	require.NoError(t, s.TouchWorkerToken(ctx, tok.ID))
	got, err := s.GetWorkerToken(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, clock.Now().Equal(*got.LastUsedAt))

	revoked, err := s.RevokeWorkerToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)

	_, err = s.FindActiveWorkerToken(ctx, "sha256:abc")
	assert.ErrorIs(t, err, core.ErrNotFound)

	list, err := s.ListWorkerTokens(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "revoked tokens stay listed")

	_, err = s.RevokeWorkerToken(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateWorkerToken_DuplicateHash(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	require.NoError(t, s.CreateWorkerToken(ctx, &core.WorkerToken{WorkerID: "a", TokenHash: "sha256:same"}))
	assert.Error(t, s.CreateWorkerToken(ctx, &core.WorkerToken{WorkerID: "b", TokenHash: "sha256:same"}))
}
