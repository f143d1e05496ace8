package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps artifacts on the local filesystem under Root.
// Storage paths are relative to Root.
type LocalStore struct {
	Root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalStore{Root: abs}, nil
}

func (l *LocalStore) resolve(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	full := filepath.Join(l.Root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.Root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, key)
	}
	return full, nil
}

// Put implements Store.
func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	full, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(full, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return key, nil
}

// Open implements Store.
func (l *LocalStore) Open(_ context.Context, storagePath string) (io.ReadCloser, error) {
	full, err := l.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}
