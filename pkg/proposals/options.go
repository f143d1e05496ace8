package proposals

import (
	"log/slog"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/notify"
	"github.com/jdziat/agentqueue/pkg/security"
)

// DefaultNotifyCategories are the categories announced on submission.
var DefaultNotifyCategories = []string{"security", "tests"}

// Option configures a Service.
type Option interface {
	applyService(*Service)
}

type optionFunc func(*Service)

func (f optionFunc) applyService(s *Service) { f(s) }

// WithRateLimiter throttles submissions per origin source.
func WithRateLimiter(l RateLimiter) Option {
	return optionFunc(func(s *Service) { s.limiter = l })
}

// WithPublisher announces new proposals in the notify categories.
func WithPublisher(p notify.Publisher) Option {
	return optionFunc(func(s *Service) { s.publisher = p })
}

// WithNotifyCategories replaces DefaultNotifyCategories.
func WithNotifyCategories(categories ...string) Option {
	return optionFunc(func(s *Service) { s.notifyCategories = categories })
}

// WithEventBus publishes proposal events on bus.
func WithEventBus(bus *core.EventBus) Option {
	return optionFunc(func(s *Service) { s.bus = bus })
}

// WithClock sets the time source for snooze checks.
func WithClock(c core.Clock) Option {
	return optionFunc(func(s *Service) { s.clock = c })
}

// WithRedactor scrubs secrets from proposal text before it is stored.
func WithRedactor(r *security.Redactor) Option {
	return optionFunc(func(s *Service) { s.redactor = r })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Service) { s.logger = l })
}

// PromoteOptions adjusts the job created by Promote.
type PromoteOptions struct {
	Priority          *int
	MaxAttempts       *int
	Note              string
	TaskCreateRequest map[string]any
}

// PromoteOption modifies PromoteOptions.
type PromoteOption interface {
	applyPromote(*PromoteOptions)
}

type promoteOptionFunc func(*PromoteOptions)

func (f promoteOptionFunc) applyPromote(o *PromoteOptions) { f(o) }

// WithPriority overrides the stored job priority.
func WithPriority(p int) PromoteOption {
	return promoteOptionFunc(func(o *PromoteOptions) { o.Priority = &p })
}

// WithMaxAttempts overrides the stored attempt budget.
func WithMaxAttempts(n int) PromoteOption {
	return promoteOptionFunc(func(o *PromoteOptions) { o.MaxAttempts = &n })
}

// WithNote records a decision note on the proposal.
func WithNote(note string) PromoteOption {
	return promoteOptionFunc(func(o *PromoteOptions) { o.Note = note })
}

// WithTaskCreateRequest replaces the stored request entirely.
func WithTaskCreateRequest(req map[string]any) PromoteOption {
	return promoteOptionFunc(func(o *PromoteOptions) { o.TaskCreateRequest = req })
}
