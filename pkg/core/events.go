package core

import (
	"sync"
	"time"
)

// Event is the interface for all in-process control plane events.
type Event interface {
	eventMarker()
}

// JobEnqueued is emitted when a job is created.
type JobEnqueued struct {
	Job       *AgentJob
	Timestamp time.Time
}

func (*JobEnqueued) eventMarker() {}

// JobClaimed is emitted when a worker takes a lease.
type JobClaimed struct {
	Job       *AgentJob
	WorkerID  string
	Timestamp time.Time
}

func (*JobClaimed) eventMarker() {}

// JobSucceeded is emitted when a job completes.
type JobSucceeded struct {
	Job       *AgentJob
	Timestamp time.Time
}

func (*JobSucceeded) eventMarker() {}

// JobRetrying is emitted when a failed attempt is requeued.
type JobRetrying struct {
	Job           *AgentJob
	Error         string
	NextAttemptAt time.Time
	Timestamp     time.Time
}

func (*JobRetrying) eventMarker() {}

// JobDeadLettered is emitted when a job reaches dead_letter.
type JobDeadLettered struct {
	Job       *AgentJob
	Error     string
	Timestamp time.Time
}

func (*JobDeadLettered) eventMarker() {}

// JobCancelled is emitted when a job reaches cancelled.
type JobCancelled struct {
	Job       *AgentJob
	Timestamp time.Time
}

func (*JobCancelled) eventMarker() {}

// LeaseReaped is emitted for each expired lease recovered by a reaper.
type LeaseReaped struct {
	Job       *AgentJob
	Timestamp time.Time
}

func (*LeaseReaped) eventMarker() {}

// ProposalSubmitted is emitted on proposal intake.
type ProposalSubmitted struct {
	Proposal  *TaskProposal
	Duplicate bool
	Timestamp time.Time
}

func (*ProposalSubmitted) eventMarker() {}

// ProposalPromotedEvent is emitted when a proposal becomes a job.
type ProposalPromotedEvent struct {
	Proposal  *TaskProposal
	Job       *AgentJob
	Timestamp time.Time
}

func (*ProposalPromotedEvent) eventMarker() {}

// ProposalDecided is emitted when a proposal is dismissed, accepted or rejected.
type ProposalDecided struct {
	Proposal  *TaskProposal
	Timestamp time.Time
}

func (*ProposalDecided) eventMarker() {}

// PauseChanged is emitted after a pause or resume commits.
type PauseChanged struct {
	State     *WorkerPauseState
	Timestamp time.Time
}

func (*PauseChanged) eventMarker() {}

// EventBus fans events out to subscribers without blocking the emitter.
type EventBus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a buffered channel receiving every later event.
func (b *EventBus) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Emit delivers e to every subscriber. Full subscribers miss the event.
func (b *EventBus) Emit(e Event) {
	if b == nil {
		return
	}
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
