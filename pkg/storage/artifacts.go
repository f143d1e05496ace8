package storage

import (
	"context"

	"gorm.io/gorm"

	"github.com/jdziat/agentqueue/pkg/core"
)

// SaveArtifact registers artifact metadata. A record with the same job and
// name is replaced.
func (s *GormStorage) SaveArtifact(ctx context.Context, a *core.AgentJobArtifact) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireJob(tx, a.JobID); err != nil {
			return err
		}
		if err := tx.Where("job_id = ? AND name = ?", a.JobID, a.Name).
			Delete(&core.AgentJobArtifact{}).Error; err != nil {
			return err
		}
		a.ID = newID()
		a.CreatedAt = s.clock.Now()
		return tx.Create(a).Error
	})
}

// GetArtifact retrieves one artifact of a job.
func (s *GormStorage) GetArtifact(ctx context.Context, jobID, artifactID string) (*core.AgentJobArtifact, error) {
	var a core.AgentJobArtifact
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND id = ?", jobID, artifactID).
		First(&a).Error
	if err != nil {
		return nil, notFound(err, "artifact", artifactID)
	}
	return &a, nil
}

// ListArtifacts returns a job's artifacts oldest first.
func (s *GormStorage) ListArtifacts(ctx context.Context, jobID string, limit int) ([]*core.AgentJobArtifact, error) {
	if err := requireJob(s.db.WithContext(ctx), jobID); err != nil {
		return nil, err
	}
	var artifacts []*core.AgentJobArtifact
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Limit(clampLimit(limit, 100, 500)).
		Find(&artifacts).Error
	return artifacts, err
}
