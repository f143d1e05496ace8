package queue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jdziat/agentqueue/pkg/blob"
	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// EventFilter narrows an event listing. Limit must be within 1..500; zero
// means 200.
type EventFilter struct {
	After *time.Time
	Limit int
}

// ArtifactInput registers artifact metadata for bytes already stored.
type ArtifactInput struct {
	JobID       string
	Name        string
	ContentType string
	SizeBytes   int64
	Digest      string
	StoragePath string
}

func listLimit(limit int) (int, error) {
	if limit == 0 {
		return 200, nil
	}
	if limit < 1 || limit > 500 {
		return 0, core.Invalid("limit", "must be between 1 and 500")
	}
	return limit, nil
}

// RecordEvent appends an event to a job in any status.
func (q *Queue) RecordEvent(ctx context.Context, jobID string, level core.EventLevel, message string, payload map[string]any) (*core.AgentJobEvent, error) {
	if level == "" {
		level = core.LevelInfo
	}
	if !level.Valid() {
		return nil, core.Invalid("level", "unknown level %q", level)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, core.Invalid("message", "required")
	}
	if payload != nil {
		if err := ValidatePayload(payload); err != nil {
			return nil, err
		}
	}
	ev := &core.AgentJobEvent{
		JobID:   jobID,
		Level:   level,
		Message: security.SanitizeErrorMessage(q.redactor.Scrub(message)),
		Payload: payload,
	}
	if err := q.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns a job's events oldest first.
func (q *Queue) ListEvents(ctx context.Context, jobID string, filter EventFilter) ([]*core.AgentJobEvent, error) {
	limit, err := listLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	return q.store.ListEvents(ctx, jobID, filter.After, limit)
}

func validateDigest(digest string) error {
	if digest == "" {
		return nil
	}
	hexPart, ok := strings.CutPrefix(digest, "sha256:")
	if !ok || len(hexPart) != sha256.Size*2 {
		return core.Invalid("digest", "must be sha256:<64 hex chars>")
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return core.Invalid("digest", "must be sha256:<64 hex chars>")
	}
	return nil
}

// RegisterArtifact records metadata for a stored artifact. Registering the
// same name again replaces the record.
func (q *Queue) RegisterArtifact(ctx context.Context, in ArtifactInput) (*core.AgentJobArtifact, error) {
	if _, err := blob.ArtifactKey(in.JobID, in.Name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.StoragePath) == "" {
		return nil, core.Invalid("storagePath", "required")
	}
	if in.SizeBytes < 0 {
		return nil, core.Invalid("sizeBytes", "must not be negative")
	}
	if err := validateDigest(in.Digest); err != nil {
		return nil, err
	}
	a := &core.AgentJobArtifact{
		JobID:       in.JobID,
		Name:        strings.TrimSpace(in.Name),
		ContentType: strings.TrimSpace(in.ContentType),
		SizeBytes:   in.SizeBytes,
		Digest:      in.Digest,
		StoragePath: strings.TrimSpace(in.StoragePath),
	}
	if err := q.store.SaveArtifact(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UploadArtifact streams body into the blob store and registers it. The
// caller must hold a running claim on the job.
func (q *Queue) UploadArtifact(ctx context.Context, jobID, workerID, name, contentType string, body io.Reader) (*core.AgentJobArtifact, error) {
	if q.blobs == nil {
		return nil, fmt.Errorf("%w: no artifact store configured", core.ErrPreconditionFailed)
	}
	key, err := blob.ArtifactKey(jobID, name)
	if err != nil {
		return nil, err
	}

	if _, err := q.store.GetHeldJob(ctx, jobID, workerID); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, q.maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if n == 0 {
		return nil, core.Invalid("body", "empty artifact")
	}
	if n > q.maxArtifactBytes {
		return nil, core.Invalid("body", "exceeds %d bytes", q.maxArtifactBytes)
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := "sha256:" + hex.EncodeToString(sum[:])
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storagePath, err := q.blobs.Put(ctx, key, buf.Bytes(), contentType)
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	a, err := q.RegisterArtifact(ctx, ArtifactInput{
		JobID:       jobID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   n,
		Digest:      digest,
		StoragePath: storagePath,
	})
	if err != nil {
		return nil, err
	}

	if _, err := q.RecordEvent(ctx, jobID, core.LevelInfo, "Artifact uploaded", map[string]any{
		"artifactId": a.ID,
		"name":       a.Name,
		"sizeBytes":  a.SizeBytes,
		"digest":     a.Digest,
	}); err != nil {
		q.logger.Warn("failed to record artifact event", "job_id", jobID, "error", err)
	}
	q.logger.Info("artifact uploaded", "job_id", jobID, "name", a.Name, "size_bytes", a.SizeBytes)
	return a, nil
}

// ListArtifacts returns a job's artifacts oldest first.
func (q *Queue) ListArtifacts(ctx context.Context, jobID string, limit int) ([]*core.AgentJobArtifact, error) {
	limit, err := listLimit(limit)
	if err != nil {
		return nil, err
	}
	return q.store.ListArtifacts(ctx, jobID, limit)
}

// GetArtifact returns one artifact of a job.
func (q *Queue) GetArtifact(ctx context.Context, jobID, artifactID string) (*core.AgentJobArtifact, error) {
	return q.store.GetArtifact(ctx, jobID, artifactID)
}

// OpenArtifact returns the artifact record and a reader for its bytes.
func (q *Queue) OpenArtifact(ctx context.Context, jobID, artifactID string) (*core.AgentJobArtifact, io.ReadCloser, error) {
	if q.blobs == nil {
		return nil, nil, fmt.Errorf("%w: no artifact store configured", core.ErrPreconditionFailed)
	}
	a, err := q.store.GetArtifact(ctx, jobID, artifactID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := q.blobs.Open(ctx, a.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return a, rc, nil
}
