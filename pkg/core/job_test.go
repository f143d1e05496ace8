package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusDeadLetter.Terminal())

	assert.True(t, StatusDeadLetter.Valid())
	assert.False(t, JobStatus("paused").Valid())
}

func TestAgentJob_PayloadAccessors(t *testing.T) {
	job := &AgentJob{Payload: map[string]any{
		"repository":           "acme/api",
		"requiredCapabilities": []any{"gpu", 7, "docker"},
	}}
	assert.Equal(t, "acme/api", job.Repository())
	assert.Equal(t, []string{"gpu", "docker"}, job.RequiredCapabilities())

	empty := &AgentJob{}
	assert.Empty(t, empty.Repository())
	assert.Nil(t, empty.RequiredCapabilities())
	assert.False(t, empty.CancelRequested())
}

func TestWorkerIdentity_CanRun(t *testing.T) {
	job := &AgentJob{Type: "code.fix", Payload: map[string]any{
		"repository":           "acme/api",
		"requiredCapabilities": []string{"docker"},
	}}

	tests := []struct {
		name     string
		identity WorkerIdentity
		want     bool
	}{
		{"unrestricted without capability", WorkerIdentity{}, false},
		{"unrestricted with capability", WorkerIdentity{Capabilities: []string{"docker"}}, true},
		{"type not allowed", WorkerIdentity{AllowedJobTypes: []string{"code.review"}, Capabilities: []string{"docker"}}, false},
		{"repo not allowed", WorkerIdentity{AllowedRepositories: []string{"acme/web"}, Capabilities: []string{"docker"}}, false},
		{"all allowed", WorkerIdentity{
			AllowedJobTypes:     []string{"code.fix"},
			AllowedRepositories: []string{"acme/api"},
			Capabilities:        []string{"docker", "gpu"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.identity.CanRun(job))
		})
	}
}

func TestWorkerIdentity_RestrictedRejectsEmptyRepository(t *testing.T) {
	w := &WorkerIdentity{AllowedRepositories: []string{"acme/api"}}
	assert.False(t, w.AllowsRepository(""))
	assert.True(t, (&WorkerIdentity{}).AllowsRepository(""))
}

func TestPauseMode_Valid(t *testing.T) {
	assert.True(t, PauseModeDrain.Valid())
	assert.True(t, PauseModeQuiesce.Valid())
	assert.False(t, PauseMode("hard").Valid())
}

func TestTaskProposal_Snoozed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	p := &TaskProposal{SnoozedUntil: &until}

	assert.True(t, p.Snoozed(now))
	assert.False(t, p.Snoozed(until))
	assert.False(t, (&TaskProposal{}).Snoozed(now))
}
