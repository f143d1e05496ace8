// Package blob stores artifact bytes outside the database.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/jdziat/agentqueue/pkg/core"
)

// ErrOutsideRoot is returned when a storage path escapes the store root.
var ErrOutsideRoot = errors.New("blob: path resolves outside store root")

// Store writes and reads artifact bodies.
type Store interface {
	// Put writes body under key and returns the storage path to persist.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	// Open returns a reader for a storage path previously returned by Put.
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
}

// ArtifactKey returns the job-scoped key for an artifact name. Names must be
// relative and free of traversal components.
func ArtifactKey(jobID, name string) (string, error) {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, `/\`) || jobID == ".." || jobID == "." {
		return "", core.Invalid("jobId", "must be a single path segment")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", core.Invalid("name", "required")
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(slashed, "/") {
		return "", core.Invalid("name", "must be a relative path")
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", core.Invalid("name", "must not contain traversal components")
		}
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", core.Invalid("name", "required")
	}
	return path.Join(jobID, cleaned), nil
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q", ErrOutsideRoot, key)
		}
	}
	return nil
}
