package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/agentqueue/pkg/core"
)

// CreateProposal inserts p unless an open proposal with the same dedup hash
// exists. The partial unique index settles concurrent submissions: the loser's
// insert fails and it returns the winner's row.
func (s *GormStorage) CreateProposal(ctx context.Context, p *core.TaskProposal) (*core.TaskProposal, bool, error) {
	db := s.db.WithContext(ctx)

	existing, err := s.findOpenDuplicate(db, p.DedupHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	if p.ID == "" {
		p.ID = newID()
	}
	p.Status = core.ProposalOpen
	if p.ReviewPriority == "" {
		p.ReviewPriority = core.ReviewNormal
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := db.Create(p).Error; err != nil {
		if dup, ferr := s.findOpenDuplicate(s.db.WithContext(ctx), p.DedupHash); ferr == nil && dup != nil {
			return dup, false, nil
		}
		return nil, false, fmt.Errorf("create proposal: %w", err)
	}
	return p, true, nil
}

func (s *GormStorage) findOpenDuplicate(db *gorm.DB, dedupHash string) (*core.TaskProposal, error) {
	var p core.TaskProposal
	err := db.Where("dedup_hash = ? AND status = ?", dedupHash, core.ProposalOpen).
		Order("created_at ASC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProposal retrieves a proposal by ID.
func (s *GormStorage) GetProposal(ctx context.Context, id string) (*core.TaskProposal, error) {
	var p core.TaskProposal
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "proposal", id)
	}
	return &p, nil
}

// ListProposals returns proposals newest first. Unless the filter says
// otherwise, proposals snoozed into the future are hidden.
func (s *GormStorage) ListProposals(ctx context.Context, filter core.ProposalFilter) (*core.Page[*core.TaskProposal], error) {
	now := s.clock.Now()
	limit := clampLimit(filter.Limit, 50, 200)

	q := s.db.WithContext(ctx).Model(&core.TaskProposal{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Repository != "" {
		q = q.Where("repository = ?", filter.Repository)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.OriginSource != "" {
		q = q.Where("origin_source = ?", filter.OriginSource)
	}
	if filter.DedupHash != "" {
		q = q.Where("dedup_hash = ?", filter.DedupHash)
	}
	switch {
	case filter.OnlySnoozed:
		q = q.Where("snoozed_until > ?", now)
	case !filter.IncludeSnoozed:
		q = q.Where("(snoozed_until IS NULL OR snoozed_until <= ?)", now)
	}
	q, err := applyCursor(q, filter.Cursor)
	if err != nil {
		return nil, err
	}

	var proposals []*core.TaskProposal
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&proposals).Error; err != nil {
		return nil, err
	}
	return pageOf(proposals, limit, func(p *core.TaskProposal) core.Cursor {
		return core.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	}), nil
}

// MutateOpenProposal applies mutate to an open proposal. The write is
// conditional on the row still being open.
func (s *GormStorage) MutateOpenProposal(ctx context.Context, id string, mutate core.ProposalMutation) (*core.TaskProposal, error) {
	var p core.TaskProposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&p, "id = ?", id).Error; err != nil {
			return notFound(err, "proposal", id)
		}
		if p.Status != core.ProposalOpen {
			return fmt.Errorf("%w: proposal %s is %s", core.ErrConflict, id, p.Status)
		}

		updates, err := mutate(&p)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		updates["updated_at"] = s.clock.Now()

		result := tx.Model(&core.TaskProposal{}).
			Where("id = ? AND status = ?", id, core.ProposalOpen).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: proposal %s changed concurrently", core.ErrConflict, id)
		}
		return tx.First(&p, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PromoteProposal inserts the job and links it to an open, unpromoted proposal
// in one transaction. Any failure rolls both back and leaves the proposal open.
func (s *GormStorage) PromoteProposal(ctx context.Context, id string, promo core.Promotion) (*core.TaskProposal, error) {
	if promo.Job == nil {
		return nil, core.Invalid("job", "required")
	}
	job, actor := promo.Job, promo.Actor
	var p core.TaskProposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&p, "id = ?", id).Error; err != nil {
			return notFound(err, "proposal", id)
		}
		if p.Status != core.ProposalOpen || p.PromotedJobID != nil {
			return fmt.Errorf("%w: proposal %s is %s", core.ErrConflict, id, p.Status)
		}

		if err := s.createJob(tx, job); err != nil {
			return err
		}

		now := s.clock.Now()
		updates := map[string]any{
			"status":              core.ProposalPromoted,
			"promoted_job_id":     job.ID,
			"promoted_at":         now,
			"promoted_by_user_id": actor,
			"decided_by_user_id":  actor,
			"decided_at":          now,
			"decision_note":       promo.Note,
			"updated_at":          now,
		}
		if promo.TaskCreateRequest != nil {
			updates["task_create_request"] = datatypes.JSONMap(promo.TaskCreateRequest)
		}
		result := tx.Model(&core.TaskProposal{}).
			Where("id = ? AND status = ? AND promoted_job_id IS NULL", id, core.ProposalOpen).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: proposal %s changed concurrently", core.ErrConflict, id)
		}
		if err := s.appendEvent(tx, job.ID, core.LevelInfo, "Job promoted from proposal", map[string]any{
			"proposalId": id,
		}); err != nil {
			return err
		}
		return tx.First(&p, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ExpireSnoozes clears snoozes whose window has elapsed.
func (s *GormStorage) ExpireSnoozes(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&core.TaskProposal{}).
		Where("snoozed_until IS NOT NULL AND snoozed_until <= ?", now).
		Updates(map[string]any{
			"snoozed_until":      nil,
			"snoozed_by_user_id": nil,
			"snooze_note":        "",
			"updated_at":         now,
		})
	return result.RowsAffected, result.Error
}

// RecordNotification inserts a delivery record. It returns false when the
// (proposal, target) pair was already recorded.
func (s *GormStorage) RecordNotification(ctx context.Context, n *core.TaskProposalNotification) (bool, error) {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Status == "" {
		n.Status = "sent"
	}
	n.CreatedAt = s.clock.Now()
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(n)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateNotificationStatus records the outcome of a delivery attempt.
func (s *GormStorage) UpdateNotificationStatus(ctx context.Context, proposalID, target, status, errMsg string) error {
	return s.db.WithContext(ctx).
		Model(&core.TaskProposalNotification{}).
		Where("proposal_id = ? AND target = ?", proposalID, target).
		Updates(map[string]any{"status": status, "error": errMsg}).Error
}

// BackfillDedupKeys recomputes dedup columns with derive for every proposal
// and returns how many rows changed.
func (s *GormStorage) BackfillDedupKeys(ctx context.Context, derive func(repository, title string) (string, string)) (int, error) {
	var changed int
	var batch []*core.TaskProposal
	result := s.db.WithContext(ctx).
		Model(&core.TaskProposal{}).
		FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
			for _, p := range batch {
				key, hash := derive(p.Repository, p.Title)
				if key == p.DedupKey && hash == p.DedupHash {
					continue
				}
				err := s.db.WithContext(ctx).
					Model(&core.TaskProposal{}).
					Where("id = ?", p.ID).
					Updates(map[string]any{"dedup_key": key, "dedup_hash": hash}).Error
				if err != nil {
					return err
				}
				changed++
			}
			return nil
		})
	return changed, result.Error
}
