// Package auth issues and verifies worker tokens.
//
// A token is shown to its owner exactly once. Only a SHA-256 digest is
// stored, so a leaked database does not leak credentials.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/security"
)

// TokenPrefix marks raw worker tokens so secret scanners can recognise them.
const TokenPrefix = "mmwt_"

const tokenBytes = 24

// IssueRequest describes a token to mint.
type IssueRequest struct {
	WorkerID            string
	Description         string
	AllowedRepositories []string
	AllowedJobTypes     []string
	Capabilities        []string
}

// IssuedToken carries the raw secret. It is never retrievable again.
type IssuedToken struct {
	Token *core.WorkerToken
	Raw   string
}

// Registry manages worker tokens.
type Registry struct {
	store  core.TokenStore
	logger *slog.Logger
}

// NewRegistry creates a Registry. A nil logger uses slog.Default().
func NewRegistry(store core.TokenStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// HashToken returns the stored form of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

func normalizeList(field string, values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if len(v) > 255 {
			return nil, core.Invalid(field, "entry exceeds 255 characters")
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Issue mints a token and returns the raw secret once.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		return nil, core.Invalid("workerId", "required")
	}
	if len(workerID) > 255 {
		return nil, core.Invalid("workerId", "exceeds 255 characters")
	}
	repos, err := normalizeList("allowedRepositories", req.AllowedRepositories)
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if err := security.ValidateRepository(repo); err != nil {
			return nil, err
		}
	}
	types, err := normalizeList("allowedJobTypes", req.AllowedJobTypes)
	if err != nil {
		return nil, err
	}
	for _, jt := range types {
		if err := security.ValidateJobType(jt); err != nil {
			return nil, err
		}
	}
	caps, err := normalizeList("capabilities", req.Capabilities)
	if err != nil {
		return nil, err
	}

	raw, err := generateToken()
	if err != nil {
		return nil, err
	}
	tok := &core.WorkerToken{
		WorkerID:            workerID,
		TokenHash:           HashToken(raw),
		Description:         strings.TrimSpace(req.Description),
		AllowedRepositories: repos,
		AllowedJobTypes:     types,
		Capabilities:        caps,
	}
	if err := r.store.CreateWorkerToken(ctx, tok); err != nil {
		return nil, err
	}
	r.logger.Info("worker token issued", "token_id", tok.ID, "worker_id", tok.WorkerID)
	return &IssuedToken{Token: tok, Raw: raw}, nil
}

// Authenticate resolves a raw token to an identity and stamps its last use.
func (r *Registry) Authenticate(ctx context.Context, raw string) (*core.WorkerIdentity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing worker token", core.ErrUnauthenticated)
	}
	tok, err := r.store.FindActiveWorkerToken(ctx, HashToken(raw))
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: invalid worker token", core.ErrUnauthenticated)
	}
	if err != nil {
		return nil, err
	}
	if err := r.store.TouchWorkerToken(ctx, tok.ID); err != nil {
		// Authentication already succeeded; a failed stamp is not fatal.
		r.logger.Warn("failed to record worker token use", "token_id", tok.ID, "error", err)
	}
	return core.NewWorkerIdentity(tok), nil
}

// Authorize reports whether identity may work on jobType in repository.
// A nil identity is never authorized.
func (r *Registry) Authorize(identity *core.WorkerIdentity, jobType, repository string) bool {
	if identity == nil {
		return false
	}
	return identity.AllowsJobType(jobType) && identity.AllowsRepository(repository)
}

// RequireCapability fails unless identity holds capability.
func (r *Registry) RequireCapability(identity *core.WorkerIdentity, capability string) error {
	if identity == nil || !slices.Contains(identity.Capabilities, capability) {
		return fmt.Errorf("%w: capability %q required", core.ErrUnauthorized, capability)
	}
	return nil
}

// Revoke deactivates a token.
func (r *Registry) Revoke(ctx context.Context, id string) (*core.WorkerToken, error) {
	tok, err := r.store.RevokeWorkerToken(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("worker token revoked", "token_id", tok.ID, "worker_id", tok.WorkerID)
	return tok, nil
}

// List returns tokens newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]*core.WorkerToken, error) {
	return r.store.ListWorkerTokens(ctx, limit)
}

// Get returns one token.
func (r *Registry) Get(ctx context.Context, id string) (*core.WorkerToken, error) {
	return r.store.GetWorkerToken(ctx, id)
}
