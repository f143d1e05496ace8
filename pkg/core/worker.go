package core

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

// WorkerToken is a stored worker credential. Only the hash of the secret is kept.
type WorkerToken struct {
	ID                  string                      `gorm:"primaryKey;size:36" json:"id"`
	WorkerID            string                      `gorm:"size:255;not null;index" json:"workerId"`
	TokenHash           string                      `gorm:"size:128;not null;uniqueIndex" json:"-"`
	Description         string                      `gorm:"type:text" json:"description,omitempty"`
	AllowedRepositories datatypes.JSONSlice[string] `json:"allowedRepositories"`
	AllowedJobTypes     datatypes.JSONSlice[string] `json:"allowedJobTypes"`
	Capabilities        datatypes.JSONSlice[string] `json:"capabilities"`
	IsActive            bool                        `gorm:"not null;default:true;index" json:"isActive"`
	LastUsedAt          *time.Time                  `json:"lastUsedAt,omitempty"`
	CreatedAt           time.Time                   `gorm:"not null" json:"createdAt"`
	UpdatedAt           time.Time                   `gorm:"not null" json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (WorkerToken) TableName() string { return "agent_worker_tokens" }

// WorkerIdentity is the authenticated view of a worker token.
// Empty allow-lists mean unrestricted for that dimension.
type WorkerIdentity struct {
	TokenID             string
	WorkerID            string
	AllowedRepositories []string
	AllowedJobTypes     []string
	Capabilities        []string
}

// NewWorkerIdentity builds an identity from a stored token.
func NewWorkerIdentity(tok *WorkerToken) *WorkerIdentity {
	return &WorkerIdentity{
		TokenID:             tok.ID,
		WorkerID:            tok.WorkerID,
		AllowedRepositories: []string(tok.AllowedRepositories),
		AllowedJobTypes:     []string(tok.AllowedJobTypes),
		Capabilities:        []string(tok.Capabilities),
	}
}

// AllowsJobType reports whether jobType passes the job type allow-list.
func (w *WorkerIdentity) AllowsJobType(jobType string) bool {
	return len(w.AllowedJobTypes) == 0 || slices.Contains(w.AllowedJobTypes, jobType)
}

// AllowsRepository reports whether repository passes the repository allow-list.
// A restricted identity never matches an empty repository.
func (w *WorkerIdentity) AllowsRepository(repository string) bool {
	if len(w.AllowedRepositories) == 0 {
		return true
	}
	return repository != "" && slices.Contains(w.AllowedRepositories, repository)
}

// HasCapabilities reports whether every required capability is held.
func (w *WorkerIdentity) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(w.Capabilities, c) {
			return false
		}
	}
	return true
}

// CanRun reports whether the identity may claim job.
func (w *WorkerIdentity) CanRun(job *AgentJob) bool {
	return w.AllowsJobType(job.Type) &&
		w.AllowsRepository(job.Repository()) &&
		w.HasCapabilities(job.RequiredCapabilities())
}

// PauseMode selects how strictly paused workers stop.
type PauseMode string

const (
	// PauseModeDrain blocks new claims and lets in-flight jobs finish.
	PauseModeDrain PauseMode = "drain"
	// PauseModeQuiesce blocks new claims and asks running workers to suspend
	// through their heartbeat responses.
	PauseModeQuiesce PauseMode = "quiesce"
)

// Valid reports whether m is a known mode.
func (m PauseMode) Valid() bool {
	return m == PauseModeDrain || m == PauseModeQuiesce
}

// WorkerPauseStateID is the primary key of the singleton pause row.
const WorkerPauseStateID = 1

// WorkerPauseState is the singleton flag gating claims across every process.
type WorkerPauseState struct {
	ID                int        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Paused            bool       `gorm:"not null;default:false" json:"paused"`
	Mode              *PauseMode `gorm:"size:16" json:"mode,omitempty"`
	Reason            string     `gorm:"type:text" json:"reason,omitempty"`
	RequestedByUserID *string    `gorm:"size:36" json:"requestedByUserId,omitempty"`
	RequestedAt       *time.Time `json:"requestedAt,omitempty"`
	Version           int64      `gorm:"not null;default:1" json:"version"`
	UpdatedAt         time.Time  `gorm:"not null" json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (WorkerPauseState) TableName() string { return "system_worker_pause_state" }

// ControlAction names a pause controller transition.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
)

// SystemControlEvent is an append-only audit record of pause/resume actions.
type SystemControlEvent struct {
	ID          string        `gorm:"primaryKey;size:36" json:"id"`
	Control     string        `gorm:"size:64;not null;default:'worker_pause';index:idx_system_control_events_control_created,priority:1" json:"control"`
	Action      ControlAction `gorm:"size:16;not null" json:"action"`
	Mode        *PauseMode    `gorm:"size:16" json:"mode,omitempty"`
	Reason      string        `gorm:"type:text" json:"reason,omitempty"`
	ActorUserID *string       `gorm:"size:36" json:"actorUserId,omitempty"`
	CreatedAt   time.Time     `gorm:"not null;index:idx_system_control_events_control_created,priority:2" json:"createdAt"`
}

// TableName implements gorm's tabler.
func (SystemControlEvent) TableName() string { return "system_control_events" }

// PauseMetrics summarises queue load for pause decisions.
type PauseMetrics struct {
	Queued       int64 `json:"queued"`
	Running      int64 `json:"running"`
	StaleRunning int64 `json:"staleRunning"`
	IsDrained    bool  `json:"isDrained"`
}
