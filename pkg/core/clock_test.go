package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("X", 3600))
	c := NewManualClock(start)

	assert.Equal(t, time.UTC, c.Now().Location())
	assert.Equal(t, 123456000, c.Now().Nanosecond())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute).UTC().Truncate(time.Microsecond), c.Now())

	later := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestSystemClock(t *testing.T) {
	now := SystemClock{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%1000)
}

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 42000, time.UTC), ID: "job-1"}

	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, in := range []string{"%%%", "bm8tc2VwYXJhdG9y", "bm90LWEtdGltZXxpZA"} {
		_, err := DecodeCursor(in)
		assert.ErrorIs(t, err, ErrValidation, in)
	}
}
