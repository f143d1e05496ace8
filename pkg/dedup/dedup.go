// Package dedup derives the canonical fingerprint used to collapse duplicate
// task proposals.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// MaxSlugLength bounds the title slug.
	MaxSlugLength = 200
	// MaxKeyLength bounds the full key.
	MaxKeyLength = 512
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveKey returns the dedup key and its SHA-256 hex hash for a proposal.
// The result depends only on the inputs, so it is safe to use for backfills.
func DeriveKey(repository, title string) (key, hash string) {
	repo := strings.ToLower(strings.TrimSpace(repository))
	if repo == "" {
		repo = "unknown"
	}

	// The hash covers the key before the length cut so it matches rows
	// written before the cut applied to stored keys.
	full := repo + ":" + Slug(title)
	sum := sha256.Sum256([]byte(full))
	return truncate(full, MaxKeyLength), hex.EncodeToString(sum[:])
}

// Slug lowercases title and collapses every non-alphanumeric run into one hyphen.
func Slug(title string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "untitled"
	}
	return truncate(slug, MaxSlugLength)
}

// truncate cuts s to n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Backfiller rewrites stored dedup columns using a derive function.
type Backfiller interface {
	BackfillDedupKeys(ctx context.Context, derive func(repository, title string) (string, string)) (int, error)
}

// Backfill recomputes every stored proposal's key and hash with DeriveKey and
// returns how many rows changed. Running it twice is a no-op.
func Backfill(ctx context.Context, b Backfiller) (int, error) {
	return b.BackfillDedupKeys(ctx, DeriveKey)
}
