package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/agentqueue/pkg/core"
)

func TestAppendEvent(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStorage(t)
	job := newTestJob("task", nil)
	require.NoError(t, s.CreateJob(ctx, job))

	clock.Advance(time.Second)
	ev := &core.AgentJobEvent{JobID: job.ID, Message: "cloned repository", Payload: map[string]any{"sha": "abc123"}}
	require.NoError(t, s.AppendEvent(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, core.LevelInfo, ev.Level)

	events, err := s.ListEvents(ctx, job.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "cloned repository", events[1].Message)
	assert.Equal(t, "abc123", events[1].Payload["sha"])

	err = s.AppendEvent(ctx, &core.AgentJobEvent{JobID: "missing", Message: "x"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAppendEvent_TerminalJobStillAccepts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)
	job := newTestJob("task", nil)
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.RequestCancellation(ctx, job.ID, nil, "")
	require.NoError(t, err)

	assert.NoError(t, s.AppendEvent(ctx, &core.AgentJobEvent{JobID: job.ID, Level: core.LevelWarn, Message: "late log"}))
}

func TestListEvents_After(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStorage(t)
	job := newTestJob("task", nil)
	require.NoError(t, s.CreateJob(ctx, job))

	mark := clock.Now()
	clock.Advance(time.Second)
	require.NoError(t, s.AppendEvent(ctx, &core.AgentJobEvent{JobID: job.ID, Message: "later"}))

	events, err := s.ListEvents(ctx, job.ID, &mark, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "later", events[0].Message)

	_, err = s.ListEvents(ctx, "missing", nil, 10)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSaveArtifact_ReplacesByName(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)
	job := newTestJob("task", nil)
	require.NoError(t, s.CreateJob(ctx, job))

	first := &core.AgentJobArtifact{JobID: job.ID, Name: "report.md", StoragePath: "jobs/a/report.md", SizeBytes: 10}
	require.NoError(t, s.SaveArtifact(ctx, first))
	second := &core.AgentJobArtifact{JobID: job.ID, Name: "report.md", StoragePath: "jobs/a/report-2.md", SizeBytes: 20}
	require.NoError(t, s.SaveArtifact(ctx, second))
	require.NoError(t, s.SaveArtifact(ctx, &core.AgentJobArtifact{JobID: job.ID, Name: "diff.patch", StoragePath: "jobs/a/diff.patch"}))

	list, err := s.ListArtifacts(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	got, err := s.GetArtifact(ctx, job.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.SizeBytes)

	_, err = s.GetArtifact(ctx, job.ID, first.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = s.SaveArtifact(ctx, &core.AgentJobArtifact{JobID: "missing", Name: "x", StoragePath: "x"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}
