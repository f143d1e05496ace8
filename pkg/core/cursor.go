package core

import (
	"encoding/base64"
	"strings"
	"time"
)

// Cursor is a position in a (created_at DESC, id DESC) listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque string form of c.
func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, Invalid("cursor", "malformed")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, Invalid("cursor", "malformed")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, Invalid("cursor", "malformed timestamp")
	}
	return Cursor{CreatedAt: createdAt.UTC(), ID: id}, nil
}

// Page is one page of a cursor listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}
