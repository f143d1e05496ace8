package core

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of an agent job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed" // never persisted; failures requeue or dead-letter
	StatusCancelled  JobStatus = "cancelled"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusCancelled, StatusDeadLetter, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// EventLevel is the severity of a job event.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Valid reports whether l is a known level.
func (l EventLevel) Valid() bool {
	return l == LevelInfo || l == LevelWarn || l == LevelError
}

// AgentJob is a unit of work leased to exactly one worker at a time.
type AgentJob struct {
	ID          string            `gorm:"primaryKey;size:36" json:"id"`
	Type        string            `gorm:"size:64;not null;index:idx_agent_jobs_type_status_created,priority:1" json:"type"`
	Status      JobStatus         `gorm:"size:32;not null;default:'queued';index:idx_agent_jobs_status_priority_created,priority:1;index:idx_agent_jobs_type_status_created,priority:2" json:"status"`
	Priority    int               `gorm:"not null;default:0;index:idx_agent_jobs_status_priority_created,priority:2" json:"priority"`
	Payload     datatypes.JSONMap `json:"payload"`
	AffinityKey string            `gorm:"size:255;index" json:"affinityKey,omitempty"`

	ClaimedBy      string     `gorm:"size:255" json:"claimedBy,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"leaseExpiresAt,omitempty"`
	NextAttemptAt  *time.Time `gorm:"index" json:"nextAttemptAt,omitempty"`
	Attempt        int        `gorm:"not null;default:1" json:"attempt"`
	MaxAttempts    int        `gorm:"not null;default:3" json:"maxAttempts"`

	ResultSummary string `gorm:"type:text" json:"resultSummary,omitempty"`
	ErrorMessage  string `gorm:"type:text" json:"errorMessage,omitempty"`
	ArtifactsPath string `gorm:"size:1024" json:"artifactsPath,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// Provenance references. Not foreign keys: they outlive the user rows.
	CreatedByUserID   *string `gorm:"size:36;index" json:"createdByUserId,omitempty"`
	RequestedByUserID *string `gorm:"size:36;index" json:"requestedByUserId,omitempty"`

	CancelRequestedAt       *time.Time `json:"cancelRequestedAt,omitempty"`
	CancelRequestedByUserID *string    `gorm:"size:36" json:"cancelRequestedByUserId,omitempty"`
	CancelReason            string     `gorm:"type:text" json:"cancelReason,omitempty"`

	CreatedAt time.Time `gorm:"not null;index:idx_agent_jobs_status_priority_created,priority:3;index:idx_agent_jobs_type_status_created,priority:3" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`

	Events    []AgentJobEvent    `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
	Artifacts []AgentJobArtifact `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName implements gorm's tabler.
func (AgentJob) TableName() string { return "agent_jobs" }

// CancelRequested reports whether a cooperative cancellation is pending.
func (j *AgentJob) CancelRequested() bool {
	return j.CancelRequestedAt != nil
}

// Repository returns the payload's repository reference, if any.
func (j *AgentJob) Repository() string {
	if j.Payload == nil {
		return ""
	}
	repo, _ := j.Payload["repository"].(string)
	return repo
}

// RequiredCapabilities returns the payload's requiredCapabilities list.
func (j *AgentJob) RequiredCapabilities() []string {
	if j.Payload == nil {
		return nil
	}
	switch raw := j.Payload["requiredCapabilities"].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// AgentJobEvent is an append-only log entry owned by one job.
type AgentJobEvent struct {
	ID        string            `gorm:"primaryKey;size:36" json:"id"`
	JobID     string            `gorm:"size:36;not null;index:idx_agent_job_events_job_created,priority:1" json:"jobId"`
	Level     EventLevel        `gorm:"size:16;not null;default:'info'" json:"level"`
	Message   string            `gorm:"type:text;not null" json:"message"`
	Payload   datatypes.JSONMap `json:"payload,omitempty"`
	CreatedAt time.Time         `gorm:"not null;index:idx_agent_job_events_job_created,priority:2" json:"createdAt"`
}

// TableName implements gorm's tabler.
func (AgentJobEvent) TableName() string { return "agent_job_events" }

// AgentJobArtifact records a file a job produced. The bytes live in a blob store.
type AgentJobArtifact struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	JobID       string    `gorm:"size:36;not null;uniqueIndex:idx_agent_job_artifacts_job_name,priority:1" json:"jobId"`
	Name        string    `gorm:"size:255;not null;uniqueIndex:idx_agent_job_artifacts_job_name,priority:2" json:"name"`
	ContentType string    `gorm:"size:255" json:"contentType,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
	Digest      string    `gorm:"size:128" json:"digest,omitempty"`
	StoragePath string    `gorm:"size:1024;not null" json:"storagePath"`
	CreatedAt   time.Time `gorm:"not null" json:"createdAt"`
}

// TableName implements gorm's tabler.
func (AgentJobArtifact) TableName() string { return "agent_job_artifacts" }

// JobFilter narrows a job listing.
type JobFilter struct {
	Status JobStatus
	Type   string
	Cursor string
	Limit  int
}
