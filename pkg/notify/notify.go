// Package notify publishes proposal notifications to a message bus.
//
// Publishing is fire-and-forget: the proposal service records one
// notification row per (proposal, target) before calling Publish, so a
// subject receives at most one message per proposal.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jdziat/agentqueue/pkg/core"
)

// SubjectPrefix is prepended to the proposal category.
const SubjectPrefix = "agentqueue.proposals."

// Common errors.
var (
	ErrClosed         = errors.New("notify: publisher closed")
	ErrInvalidSubject = errors.New("notify: invalid subject")
)

// Publisher delivers an encoded message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// ProposalMessage is the JSON body published for a proposal.
type ProposalMessage struct {
	ProposalID     string              `json:"proposalId"`
	Title          string              `json:"title"`
	Summary        string              `json:"summary"`
	Category       string              `json:"category"`
	Repository     string              `json:"repository"`
	ReviewPriority core.ReviewPriority `json:"reviewPriority"`
	OriginSource   core.OriginSource   `json:"originSource"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// NewProposalMessage builds the message for p.
func NewProposalMessage(p *core.TaskProposal) ProposalMessage {
	return ProposalMessage{
		ProposalID:     p.ID,
		Title:          p.Title,
		Summary:        p.Summary,
		Category:       p.Category,
		Repository:     p.Repository,
		ReviewPriority: p.ReviewPriority,
		OriginSource:   p.OriginSource,
		CreatedAt:      p.CreatedAt,
	}
}

// Encode returns the JSON body.
func (m ProposalMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Subject returns the subject for a proposal category.
func Subject(category string) string {
	return SubjectPrefix + category
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n*>") {
		return ErrInvalidSubject
	}
	if strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") || strings.Contains(subject, "..") {
		return ErrInvalidSubject
	}
	return nil
}

// Message is one publish recorded by a MemoryPublisher.
type Message struct {
	Subject string
	Data    []byte
}

// MemoryPublisher keeps published messages in memory.
// Useful for testing and single-process scenarios.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// FailWith makes later publishes return err. Nil restores success.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}
