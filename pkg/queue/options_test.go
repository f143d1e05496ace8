package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOptions_Defaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, 0, opts.Priority)
	assert.Equal(t, DefaultMaxAttempts, opts.MaxAttempts)
	assert.Zero(t, opts.Delay)
	assert.Nil(t, opts.RunAt)
	assert.Empty(t, opts.AffinityKey)
	assert.Nil(t, opts.CreatedBy)
}

func TestPriority(t *testing.T) {
	opts := NewOptions()
	Priority(10).Apply(opts)

	assert.Equal(t, 10, opts.Priority)
}

func TestMaxAttempts_Clamped(t *testing.T) {
	opts := NewOptions()
	MaxAttempts(1000).Apply(opts)
	assert.Equal(t, 100, opts.MaxAttempts)

	MaxAttempts(0).Apply(opts)
	assert.Equal(t, 1, opts.MaxAttempts)
}

func TestProvenanceOptions(t *testing.T) {
	opts := NewOptions()
	CreatedBy("u-1").Apply(opts)
	RequestedBy("u-2").Apply(opts)
	AffinityKey("acme/api").Apply(opts)

	assert.Equal(t, "u-1", *opts.CreatedBy)
	assert.Equal(t, "u-2", *opts.RequestedBy)
	assert.Equal(t, "acme/api", opts.AffinityKey)
}

func TestDelayAndAt(t *testing.T) {
	opts := NewOptions()
	Delay(5 * time.Minute).Apply(opts)
	assert.Equal(t, 5*time.Minute, opts.Delay)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	At(at).Apply(opts)
	assert.Equal(t, at, *opts.RunAt)
}

func TestClaimOptions(t *testing.T) {
	opts := &ClaimOptions{}
	JobTypes("a", "b").applyClaim(opts)
	JobTypes("c").applyClaim(opts)
	Lease(time.Minute).applyClaim(opts)

	assert.Equal(t, []string{"a", "b", "c"}, opts.JobTypes)
	assert.Equal(t, time.Minute, opts.Lease)
}

func TestQueueOptions_IgnoreNonPositiveLimits(t *testing.T) {
	q := New(nil, WithMaxArtifactBytes(0), WithReapBatch(-1), WithDefaultLease(0))

	assert.Equal(t, DefaultMaxArtifactBytes, q.maxArtifactBytes)
	assert.Equal(t, DefaultReapBatch, q.reapBatch)
	assert.Equal(t, DefaultLease, q.defaultLease)
	assert.NotNil(t, q.Bus())
}

func TestWithDefaultLease(t *testing.T) {
	q := New(nil, WithDefaultLease(45*time.Second))
	assert.Equal(t, 45*time.Second, q.defaultLease)
}
