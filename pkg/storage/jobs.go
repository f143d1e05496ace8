package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// CreateJob inserts a queued job and its "Job queued" event.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.AgentJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.createJob(tx, job)
	})
}

func (s *GormStorage) createJob(tx *gorm.DB, job *core.AgentJob) error {
	now := s.clock.Now()
	if job.ID == "" {
		job.ID = newID()
	}
	job.Status = core.StatusQueued
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 3
	}
	if job.Payload == nil {
		job.Payload = datatypes.JSONMap{}
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := tx.Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return s.appendEvent(tx, job.ID, core.LevelInfo, "Job queued", map[string]any{
		"type":        job.Type,
		"priority":    job.Priority,
		"maxAttempts": job.MaxAttempts,
	})
}

// ClaimJob leases the highest-priority eligible job to req.WorkerID.
// Returns nil, nil when nothing is eligible.
func (s *GormStorage) ClaimJob(ctx context.Context, req core.ClaimRequest) (*core.AgentJob, error) {
	if req.WorkerID == "" {
		return nil, core.Invalid("workerId", "required")
	}
	if req.Lease <= 0 {
		return nil, core.Invalid("lease", "must be positive")
	}

	var claimed *core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		// Page through candidates in claim order until one is eligible.
		var after *core.AgentJob
		for {
			candidates, err := s.claimCandidates(tx, req, now, after)
			if err != nil {
				return err
			}
			for _, c := range candidates {
				if req.Eligible != nil && !req.Eligible(c) {
					continue
				}
				job, err := s.leaseJob(tx, c, req, now)
				if err != nil {
					return err
				}
				if job != nil {
					claimed = job
					return nil
				}
			}
			if len(candidates) < s.claimBatch {
				return nil
			}
			after = candidates[len(candidates)-1]
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimCandidates returns the next batch of runnable jobs in claim order,
// starting strictly after the given job when it is set.
func (s *GormStorage) claimCandidates(tx *gorm.DB, req core.ClaimRequest, now time.Time, after *core.AgentJob) ([]*core.AgentJob, error) {
	q := tx.Model(&core.AgentJob{}).
		Where("status = ?", core.StatusQueued).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
	if len(req.JobTypes) > 0 {
		q = q.Where("type IN ?", req.JobTypes)
	}
	if after != nil {
		q = q.Where(
			"(priority < ? OR (priority = ? AND created_at > ?) OR (priority = ? AND created_at = ? AND id > ?))",
			after.Priority,
			after.Priority, after.CreatedAt,
			after.Priority, after.CreatedAt, after.ID,
		)
	}

	var candidates []*core.AgentJob
	err := s.skipLocked(q).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(s.claimBatch).
		Find(&candidates).Error
	return candidates, err
}

// leaseJob moves one candidate to running. It returns nil when another
// claimer got there first.
func (s *GormStorage) leaseJob(tx *gorm.DB, c *core.AgentJob, req core.ClaimRequest, now time.Time) (*core.AgentJob, error) {
	// The status guard makes this the compare-and-swap: a
	// concurrent claimer that got here first leaves 0 rows.
	result := tx.Model(&core.AgentJob{}).
		Where("id = ? AND status = ?", c.ID, core.StatusQueued).
		Updates(map[string]any{
			"status":           core.StatusRunning,
			"claimed_by":       req.WorkerID,
			"lease_expires_at": now.Add(req.Lease),
			"next_attempt_at":  nil,
			"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
			"updated_at":       now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	err := s.appendEvent(tx, c.ID, core.LevelInfo, "Job claimed", map[string]any{
		"workerId":       req.WorkerID,
		"attempt":        c.Attempt,
		"leaseExpiresAt": now.Add(req.Lease),
	})
	if err != nil {
		return nil, err
	}

	var job core.AgentJob
	if err := tx.First(&job, "id = ?", c.ID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// owned scopes an update to a running job whose lease the worker holds.
// A lease within the grace margin still counts, matching the reaper cutoff.
func (s *GormStorage) owned(tx *gorm.DB, jobID, workerID string, now time.Time) *gorm.DB {
	return tx.Model(&core.AgentJob{}).
		Where("id = ? AND status = ? AND claimed_by = ?", jobID, core.StatusRunning, workerID).
		Where("lease_expires_at >= ?", now.Add(-s.grace))
}

func (s *GormStorage) holds(job *core.AgentJob, workerID string, now time.Time) bool {
	return job.Status == core.StatusRunning &&
		job.ClaimedBy == workerID &&
		job.LeaseExpiresAt != nil &&
		!job.LeaseExpiresAt.Before(now.Add(-s.grace))
}

// ownershipError explains why an owned update matched no rows.
func (s *GormStorage) ownershipError(tx *gorm.DB, jobID string) error {
	var job core.AgentJob
	if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
		return notFound(err, "job", jobID)
	}
	return leaseError(&job)
}

func leaseError(job *core.AgentJob) error {
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", core.ErrConflict, job.ID, job.Status)
	}
	return fmt.Errorf("%w: job %s", core.ErrLeaseLost, job.ID)
}

// HeartbeatJob extends the lease iff workerID still holds it.
func (s *GormStorage) HeartbeatJob(ctx context.Context, jobID, workerID string, lease time.Duration) (*core.AgentJob, error) {
	if lease <= 0 {
		return nil, core.Invalid("lease", "must be positive")
	}
	var job core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := s.owned(tx, jobID, workerID, now).Updates(map[string]any{
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		})
		if result.Error != nil {
			return result.Error
		}
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s is %s", core.ErrLeaseLost, jobID, job.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompleteJob moves a held job to succeeded.
func (s *GormStorage) CompleteJob(ctx context.Context, jobID, workerID string, c core.Completion) (*core.AgentJob, error) {
	var job core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := s.owned(tx, jobID, workerID, now).Updates(map[string]any{
			"status":           core.StatusSucceeded,
			"claimed_by":       "",
			"lease_expires_at": nil,
			"result_summary":   c.ResultSummary,
			"artifacts_path":   c.ArtifactsPath,
			"finished_at":      now,
			"updated_at":       now,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return s.ownershipError(tx, jobID)
		}
		if err := s.appendEvent(tx, jobID, core.LevelInfo, "Job completed", map[string]any{
			"workerId": workerID,
		}); err != nil {
			return err
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// transition is a computed exit from running.
type transition struct {
	updates map[string]any
	level   core.EventLevel
	message string
	payload map[string]any
}

// failureTransition applies the retry policy to a failed attempt of job.
func (s *GormStorage) failureTransition(job *core.AgentJob, msg string, retryable bool, now time.Time) transition {
	updates := map[string]any{
		"claimed_by":       "",
		"lease_expires_at": nil,
		"error_message":    msg,
		"updated_at":       now,
	}
	payload := map[string]any{
		"attempt":     job.Attempt,
		"maxAttempts": job.MaxAttempts,
		"retryable":   retryable,
	}
	if msg != "" {
		payload["error"] = msg
	}

	switch {
	case job.CancelRequested():
		updates["status"] = core.StatusCancelled
		updates["finished_at"] = now
		return transition{updates, core.LevelWarn, "Job cancelled", payload}

	case retryable && job.Attempt < job.MaxAttempts:
		next := now.Add(s.retry.Delay(job.Attempt))
		updates["status"] = core.StatusQueued
		updates["attempt"] = job.Attempt + 1
		updates["next_attempt_at"] = next
		payload["nextAttemptAt"] = next
		return transition{updates, core.LevelWarn, "Job failed (retryable)", payload}

	default:
		updates["status"] = core.StatusDeadLetter
		updates["finished_at"] = now
		return transition{updates, core.LevelError, "Job failed", payload}
	}
}

// FailJob records a failed attempt on a held job: requeue with backoff while
// attempts remain and the failure is retryable, otherwise dead-letter.
func (s *GormStorage) FailJob(ctx context.Context, jobID, workerID string, f core.Failure) (*core.AgentJob, error) {
	msg := security.SanitizeErrorMessage(s.redactor.Scrub(f.Message))

	var job core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.forUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}
		if !s.holds(&job, workerID, now) {
			return leaseError(&job)
		}

		t := s.failureTransition(&job, msg, f.Retryable, now)
		result := tx.Model(&core.AgentJob{}).
			Where("id = ? AND status = ? AND claimed_by = ? AND attempt = ?",
				jobID, core.StatusRunning, workerID, job.Attempt).
			Updates(t.updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s", core.ErrLeaseLost, jobID)
		}
		t.payload["workerId"] = workerID
		if err := s.appendEvent(tx, jobID, t.level, t.message, t.payload); err != nil {
			return err
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RequestCancellation cancels a queued job outright and flags a running one
// for its worker to observe. Repeated requests on a running job are no-ops.
func (s *GormStorage) RequestCancellation(ctx context.Context, jobID string, requester *string, reason string) (*core.AgentJob, error) {
	reason = security.SanitizeErrorMessage(reason)

	var job core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.forUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}

		switch job.Status {
		case core.StatusQueued:
			result := tx.Model(&core.AgentJob{}).
				Where("id = ? AND status = ?", jobID, core.StatusQueued).
				Updates(map[string]any{
					"status":                      core.StatusCancelled,
					"cancel_requested_at":         now,
					"cancel_requested_by_user_id": requester,
					"cancel_reason":               reason,
					"next_attempt_at":             nil,
					"finished_at":                 now,
					"updated_at":                  now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: job %s changed state", core.ErrConflict, jobID)
			}
			if err := s.appendEvent(tx, jobID, core.LevelInfo, "Job cancelled", map[string]any{
				"reason": reason,
			}); err != nil {
				return err
			}

		case core.StatusRunning:
			if job.CancelRequested() {
				return nil
			}
			result := tx.Model(&core.AgentJob{}).
				Where("id = ? AND status = ? AND cancel_requested_at IS NULL", jobID, core.StatusRunning).
				Updates(map[string]any{
					"cancel_requested_at":         now,
					"cancel_requested_by_user_id": requester,
					"cancel_reason":               reason,
					"updated_at":                  now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: job %s changed state", core.ErrConflict, jobID)
			}
			if err := s.appendEvent(tx, jobID, core.LevelWarn, "Cancellation requested", map[string]any{
				"reason":   reason,
				"workerId": job.ClaimedBy,
			}); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: job %s is %s", core.ErrConflict, jobID, job.Status)
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// AcknowledgeCancellation lets the holding worker finish a requested cancellation.
func (s *GormStorage) AcknowledgeCancellation(ctx context.Context, jobID, workerID, message string) (*core.AgentJob, error) {
	message = security.SanitizeErrorMessage(s.redactor.Scrub(message))

	var job core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := s.owned(tx, jobID, workerID, now).
			Where("cancel_requested_at IS NOT NULL").
			Updates(map[string]any{
				"status":           core.StatusCancelled,
				"claimed_by":       "",
				"lease_expires_at": nil,
				"error_message":    message,
				"finished_at":      now,
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
				return notFound(err, "job", jobID)
			}
			if s.holds(&job, workerID, now) {
				return fmt.Errorf("%w: job %s has no cancellation request", core.ErrPreconditionFailed, jobID)
			}
			return leaseError(&job)
		}
		if err := s.appendEvent(tx, jobID, core.LevelInfo, "Job cancelled", map[string]any{
			"workerId": workerID,
		}); err != nil {
			return err
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DeadLetterJob forces a queued or running job to dead_letter.
func (s *GormStorage) DeadLetterJob(ctx context.Context, jobID string, actor *string, reason string) (*core.AgentJob, error) {
	reason = security.SanitizeErrorMessage(reason)

	var job core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.forUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			return notFound(err, "job", jobID)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s is %s", core.ErrConflict, jobID, job.Status)
		}
		result := tx.Model(&core.AgentJob{}).
			Where("id = ? AND status = ? AND attempt = ?", jobID, job.Status, job.Attempt).
			Updates(map[string]any{
				"status":           core.StatusDeadLetter,
				"claimed_by":       "",
				"lease_expires_at": nil,
				"next_attempt_at":  nil,
				"error_message":    reason,
				"finished_at":      now,
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s changed state", core.ErrConflict, jobID)
		}
		payload := map[string]any{"reason": reason, "previousStatus": job.Status}
		if actor != nil {
			payload["actorUserId"] = *actor
		}
		if err := s.appendEvent(tx, jobID, core.LevelError, "Job dead-lettered by operator", payload); err != nil {
			return err
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListExpiredLeases returns running jobs whose lease ran out beyond the grace margin.
func (s *GormStorage) ListExpiredLeases(ctx context.Context, limit int) ([]*core.AgentJob, error) {
	cutoff := s.clock.Now().Add(-s.grace)
	var jobs []*core.AgentJob
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusRunning).
		Where("lease_expires_at < ?", cutoff).
		Order("lease_expires_at ASC").
		Limit(clampLimit(limit, 100, 1000)).
		Find(&jobs).Error
	return jobs, err
}

// ReapJob treats an expired lease as a retryable failure. It returns nil, nil
// when another caller already moved the job or the lease was renewed.
func (s *GormStorage) ReapJob(ctx context.Context, observed *core.AgentJob) (*core.AgentJob, error) {
	var reaped *core.AgentJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		cutoff := now.Add(-s.grace)

		var msg string
		if observed.Attempt >= observed.MaxAttempts {
			msg = "Lease expired and max attempts reached before reclaim."
		} else {
			msg = "Lease expired before completion."
		}
		t := s.failureTransition(observed, msg, true, now)

		result := tx.Model(&core.AgentJob{}).
			Where("id = ? AND status = ? AND claimed_by = ? AND attempt = ?",
				observed.ID, core.StatusRunning, observed.ClaimedBy, observed.Attempt).
			Where("lease_expires_at < ?", cutoff).
			Updates(t.updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		t.payload["workerId"] = observed.ClaimedBy
		t.payload["reaped"] = true
		message := t.message
		switch t.updates["status"] {
		case core.StatusQueued:
			message = "Lease expired; job requeued"
		case core.StatusDeadLetter:
			message = "Lease expired; job dead-lettered"
		}
		if err := s.appendEvent(tx, observed.ID, t.level, message, t.payload); err != nil {
			return err
		}

		var job core.AgentJob
		if err := tx.First(&job, "id = ?", observed.ID).Error; err != nil {
			return err
		}
		reaped = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reaped != nil {
		s.logger.Info("reaped expired lease",
			"job_id", reaped.ID, "worker_id", observed.ClaimedBy, "status", reaped.Status)
	}
	return reaped, nil
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.AgentJob, error) {
	var job core.AgentJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, notFound(err, "job", jobID)
	}
	return &job, nil
}

// GetHeldJob returns the job only while workerID holds its lease, with the
// same grace margin as heartbeat and completion.
func (s *GormStorage) GetHeldJob(ctx context.Context, jobID, workerID string) (*core.AgentJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !s.holds(job, workerID, s.clock.Now()) {
		return nil, leaseError(job)
	}
	return job, nil
}

// ListJobs returns jobs newest first, paged by (created_at, id).
func (s *GormStorage) ListJobs(ctx context.Context, filter core.JobFilter) (*core.Page[*core.AgentJob], error) {
	limit := clampLimit(filter.Limit, 50, 200)
	q := s.db.WithContext(ctx).Model(&core.AgentJob{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	q, err := applyCursor(q, filter.Cursor)
	if err != nil {
		return nil, err
	}

	var jobs []*core.AgentJob
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return pageOf(jobs, limit, func(j *core.AgentJob) core.Cursor {
		return core.Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
	}), nil
}

// PauseMetrics counts queued, running and stale running jobs.
func (s *GormStorage) PauseMetrics(ctx context.Context) (*core.PauseMetrics, error) {
	now := s.clock.Now()
	count := func(dst *int64, query string, args ...any) error {
		return s.db.WithContext(ctx).Model(&core.AgentJob{}).Where(query, args...).Count(dst).Error
	}

	var m core.PauseMetrics
	if err := count(&m.Queued, "status = ?", core.StatusQueued); err != nil {
		return nil, err
	}
	if err := count(&m.Running, "status = ?", core.StatusRunning); err != nil {
		return nil, err
	}
	if err := count(&m.StaleRunning, "status = ? AND lease_expires_at < ?", core.StatusRunning, now); err != nil {
		return nil, err
	}
	m.IsDrained = m.Running == 0
	return &m, nil
}

// applyCursor restricts q to rows strictly after the cursor in DESC order.
func applyCursor(q *gorm.DB, cursor string) (*gorm.DB, error) {
	if cursor == "" {
		return q, nil
	}
	c, err := core.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	return q.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID), nil
}

// pageOf trims the limit+1 lookahead row and derives the next cursor.
func pageOf[T any](items []T, limit int, cursorOf func(T) core.Cursor) *core.Page[T] {
	page := &core.Page[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = cursorOf(items[limit-1]).Encode()
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}
