package core

import (
	"time"

	"gorm.io/datatypes"
)

// ProposalStatus is the triage state of a task proposal.
type ProposalStatus string

const (
	ProposalOpen      ProposalStatus = "open"
	ProposalPromoted  ProposalStatus = "promoted"
	ProposalDismissed ProposalStatus = "dismissed"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalOpen, ProposalPromoted, ProposalDismissed, ProposalAccepted, ProposalRejected:
		return true
	}
	return false
}

// ReviewPriority is the human-facing urgency of a proposal.
type ReviewPriority string

const (
	ReviewLow    ReviewPriority = "low"
	ReviewNormal ReviewPriority = "normal"
	ReviewHigh   ReviewPriority = "high"
	ReviewUrgent ReviewPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p ReviewPriority) Valid() bool {
	switch p {
	case ReviewLow, ReviewNormal, ReviewHigh, ReviewUrgent:
		return true
	}
	return false
}

// OriginSource identifies what generated a proposal.
type OriginSource string

const (
	OriginQueue        OriginSource = "queue"
	OriginOrchestrator OriginSource = "orchestrator"
	OriginWorkflow     OriginSource = "workflow"
	OriginManual       OriginSource = "manual"
)

// Valid reports whether o is a known origin.
func (o OriginSource) Valid() bool {
	switch o {
	case OriginQueue, OriginOrchestrator, OriginWorkflow, OriginManual:
		return true
	}
	return false
}

// SnoozeRecord is one entry of a proposal's snooze history.
type SnoozeRecord struct {
	Until     time.Time `json:"until"`
	Note      string    `json:"note,omitempty"`
	SnoozedBy string    `json:"snoozedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskProposal is candidate work awaiting triage.
type TaskProposal struct {
	ID     string         `gorm:"primaryKey;size:36" json:"id"`
	Status ProposalStatus `gorm:"size:32;not null;default:'open';index:idx_task_proposals_status_created,priority:1;index:idx_task_proposals_dedup_status,priority:2" json:"status"`

	Title             string                      `gorm:"size:256;not null" json:"title"`
	Summary           string                      `gorm:"type:text;not null" json:"summary"`
	Category          string                      `gorm:"size:64;index" json:"category,omitempty"`
	Tags              datatypes.JSONSlice[string] `json:"tags"`
	Repository        string                      `gorm:"size:255;not null;index" json:"repository"`
	TaskCreateRequest datatypes.JSONMap           `json:"taskCreateRequest"`

	DedupKey  string `gorm:"size:512;not null" json:"dedupKey"`
	// At most one open proposal per dedup hash, enforced by a partial unique index.
	DedupHash string `gorm:"size:64;not null;index:idx_task_proposals_dedup_status,priority:1;uniqueIndex:idx_task_proposals_open_dedup,where:status = 'open'" json:"dedupHash"`

	ReviewPriority         ReviewPriority `gorm:"size:16;not null;default:'normal';index:idx_task_proposals_priority_created,priority:1" json:"reviewPriority"`
	PriorityOverrideReason string         `gorm:"type:text" json:"priorityOverrideReason,omitempty"`

	OriginSource   OriginSource      `gorm:"size:32;not null;index" json:"originSource"`
	OriginID       *string           `gorm:"size:255" json:"originId,omitempty"`
	OriginMetadata datatypes.JSONMap `json:"originMetadata,omitempty"`

	PromotedJobID    *string    `gorm:"size:36;uniqueIndex" json:"promotedJobId,omitempty"`
	PromotedAt       *time.Time `json:"promotedAt,omitempty"`
	PromotedByUserID *string    `gorm:"size:36" json:"promotedByUserId,omitempty"`

	SnoozedUntil    *time.Time                        `gorm:"index:idx_task_proposals_snoozed_until,where:snoozed_until IS NOT NULL" json:"snoozedUntil,omitempty"`
	SnoozedByUserID *string                           `gorm:"size:36" json:"snoozedByUserId,omitempty"`
	SnoozeNote      string                            `gorm:"type:text" json:"snoozeNote,omitempty"`
	SnoozeHistory   datatypes.JSONSlice[SnoozeRecord] `json:"snoozeHistory"`

	DecidedByUserID *string    `gorm:"size:36" json:"decidedByUserId,omitempty"`
	DecisionNote    string     `gorm:"type:text" json:"decisionNote,omitempty"`
	DecidedAt       *time.Time `json:"decidedAt,omitempty"`

	CreatedByUserID *string   `gorm:"size:36" json:"createdByUserId,omitempty"`
	CreatedAt       time.Time `gorm:"not null;index:idx_task_proposals_status_created,priority:2;index:idx_task_proposals_priority_created,priority:2" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"not null" json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (TaskProposal) TableName() string { return "task_proposals" }

// Snoozed reports whether the proposal is hidden from active listings at now.
func (p *TaskProposal) Snoozed(now time.Time) bool {
	return p.SnoozedUntil != nil && p.SnoozedUntil.After(now)
}

// TaskProposalNotification records one delivery attempt per (proposal, target).
type TaskProposalNotification struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	ProposalID string    `gorm:"size:36;not null;uniqueIndex:idx_task_proposal_notifications_target,priority:1" json:"proposalId"`
	Target     string    `gorm:"size:255;not null;uniqueIndex:idx_task_proposal_notifications_target,priority:2" json:"target"`
	Status     string    `gorm:"size:32;not null;default:'sent'" json:"status"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
}

// TableName implements gorm's tabler.
func (TaskProposalNotification) TableName() string { return "task_proposal_notifications" }

// ProposalFilter narrows a proposal listing.
type ProposalFilter struct {
	Status       ProposalStatus
	Repository   string
	Category     string
	OriginSource OriginSource
	DedupHash    string
	// IncludeSnoozed returns rows regardless of snoozed_until.
	IncludeSnoozed bool
	// OnlySnoozed returns rows whose snooze is still in effect.
	OnlySnoozed bool
	Cursor      string
	Limit       int
}
