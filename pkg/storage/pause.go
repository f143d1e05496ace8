package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/agentqueue/pkg/core"
)

// GetPauseState returns the singleton pause row, seeding it on first use.
func (s *GormStorage) GetPauseState(ctx context.Context) (*core.WorkerPauseState, error) {
	var state core.WorkerPauseState
	err := s.db.WithContext(ctx).First(&state, "id = ?", core.WorkerPauseStateID).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	seed := core.WorkerPauseState{
		ID:        core.WorkerPauseStateID,
		Version:   1,
		UpdatedAt: s.clock.Now(),
	}
	// Another process may seed concurrently; either row is the same.
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seed pause state: %w", err)
	}
	if err := s.db.WithContext(ctx).First(&state, "id = ?", core.WorkerPauseStateID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdatePauseState writes next iff the stored version equals expectedVersion.
func (s *GormStorage) UpdatePauseState(ctx context.Context, next *core.WorkerPauseState, expectedVersion int64, ev *core.SystemControlEvent) (*core.WorkerPauseState, error) {
	if _, err := s.GetPauseState(ctx); err != nil {
		return nil, err
	}

	var state core.WorkerPauseState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.Model(&core.WorkerPauseState{}).
			Where("id = ? AND version = ?", core.WorkerPauseStateID, expectedVersion).
			Updates(map[string]any{
				"paused":               next.Paused,
				"mode":                 next.Mode,
				"reason":               next.Reason,
				"requested_by_user_id": next.RequestedByUserID,
				"requested_at":         next.RequestedAt,
				"version":              gorm.Expr("version + 1"),
				"updated_at":           now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: pause state version %d is stale", core.ErrConflict, expectedVersion)
		}

		if ev != nil {
			if ev.ID == "" {
				ev.ID = newID()
			}
			if ev.Control == "" {
				ev.Control = "worker_pause"
			}
			ev.CreatedAt = now
			if err := tx.Create(ev).Error; err != nil {
				return fmt.Errorf("append control event: %w", err)
			}
		}
		return tx.First(&state, "id = ?", core.WorkerPauseStateID).Error
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ListControlEvents returns the latest pause/resume audit records, newest first.
func (s *GormStorage) ListControlEvents(ctx context.Context, limit int) ([]*core.SystemControlEvent, error) {
	var events []*core.SystemControlEvent
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(clampLimit(limit, 20, 200)).
		Find(&events).Error
	return events, err
}
