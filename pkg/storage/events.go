package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/jdziat/agentqueue/pkg/core"
)

// appendEvent writes a lifecycle event inside the caller's transaction.
func (s *GormStorage) appendEvent(tx *gorm.DB, jobID string, level core.EventLevel, message string, payload map[string]any) error {
	ev := &core.AgentJobEvent{
		ID:        newID(),
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Payload:   datatypes.JSONMap(payload),
		CreatedAt: s.clock.Now(),
	}
	if err := tx.Create(ev).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendEvent records an event against an existing job in any status.
func (s *GormStorage) AppendEvent(ctx context.Context, ev *core.AgentJobEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireJob(tx, ev.JobID); err != nil {
			return err
		}
		if ev.ID == "" {
			ev.ID = newID()
		}
		if ev.Level == "" {
			ev.Level = core.LevelInfo
		}
		ev.CreatedAt = s.clock.Now()
		return tx.Create(ev).Error
	})
}

// ListEvents returns a job's events oldest first, optionally after a timestamp.
func (s *GormStorage) ListEvents(ctx context.Context, jobID string, after *time.Time, limit int) ([]*core.AgentJobEvent, error) {
	if err := requireJob(s.db.WithContext(ctx), jobID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID)
	if after != nil {
		q = q.Where("created_at > ?", *after)
	}
	var events []*core.AgentJobEvent
	err := q.Order("created_at ASC, id ASC").
		Limit(clampLimit(limit, 100, 500)).
		Find(&events).Error
	return events, err
}

func requireJob(tx *gorm.DB, jobID string) error {
	var count int64
	if err := tx.Model(&core.AgentJob{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: job %s", core.ErrNotFound, jobID)
	}
	return nil
}
