package storage

import (
	"context"
	"fmt"

	"github.com/jdziat/agentqueue/pkg/core"
)

// CreateWorkerToken persists a new token. Only the hash is stored.
func (s *GormStorage) CreateWorkerToken(ctx context.Context, tok *core.WorkerToken) error {
	now := s.clock.Now()
	if tok.ID == "" {
		tok.ID = newID()
	}
	tok.IsActive = true
	tok.CreatedAt = now
	tok.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(tok).Error; err != nil {
		return fmt.Errorf("create worker token: %w", err)
	}
	return nil
}

// FindActiveWorkerToken looks up an active token by hash.
func (s *GormStorage) FindActiveWorkerToken(ctx context.Context, tokenHash string) (*core.WorkerToken, error) {
	var tok core.WorkerToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND is_active = ?", tokenHash, true).
		First(&tok).Error
	if err != nil {
		return nil, notFound(err, "worker token", "")
	}
	return &tok, nil
}

// TouchWorkerToken stamps last_used_at.
func (s *GormStorage) TouchWorkerToken(ctx context.Context, id string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Model(&core.WorkerToken{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_used_at": now, "updated_at": now}).Error
}

// GetWorkerToken retrieves a token by ID.
func (s *GormStorage) GetWorkerToken(ctx context.Context, id string) (*core.WorkerToken, error) {
	var tok core.WorkerToken
	if err := s.db.WithContext(ctx).First(&tok, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "worker token", id)
	}
	return &tok, nil
}

// ListWorkerTokens returns tokens newest first.
func (s *GormStorage) ListWorkerTokens(ctx context.Context, limit int) ([]*core.WorkerToken, error) {
	var toks []*core.WorkerToken
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(clampLimit(limit, 50, 500)).
		Find(&toks).Error
	return toks, err
}

// RevokeWorkerToken deactivates a token. The row is kept for audit.
func (s *GormStorage) RevokeWorkerToken(ctx context.Context, id string) (*core.WorkerToken, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&core.WorkerToken{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "updated_at": now})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: worker token %s", core.ErrNotFound, id)
	}
	return s.GetWorkerToken(ctx, id)
}
