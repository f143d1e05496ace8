package blob

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/agentqueue/pkg/core"
)

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		name    string
		jobID   string
		artName string
		want    string
		wantErr bool
	}{
		{"simple", "job-1", "report.md", "job-1/report.md", false},
		{"nested", "job-1", "logs/run.txt", "job-1/logs/run.txt", false},
		{"dot segments cleaned", "job-1", "./logs//run.txt", "job-1/logs/run.txt", false},
		{"backslashes", "job-1", `logs\run.txt`, "job-1/logs/run.txt", false},
		{"empty name", "job-1", "  ", "", true},
		{"absolute", "job-1", "/etc/passwd", "", true},
		{"traversal", "job-1", "../other/x", "", true},
		{"nested traversal", "job-1", "a/../../x", "", true},
		{"bad job id", "../x", "a", "", true},
		{"empty job id", "", "a", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ArtifactKey(tt.jobID, tt.artName)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	p, err := store.Put(ctx, "job-1/out/report.md", []byte("# done"), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "job-1/out/report.md", p)

	rc, err := store.Open(ctx, p)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "# done", string(body))
}

func TestLocalStore_RejectsEscapes(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(ctx, "../escape", []byte("x"), "")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = store.Open(ctx, "/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestParseS3Path(t *testing.T) {
	bucket, key, err := ParseS3Path("s3://artifacts/jobs/job-1/report.md")
	require.NoError(t, err)
	assert.Equal(t, "artifacts", bucket)
	assert.Equal(t, "jobs/job-1/report.md", key)

	for _, bad := range []string{"artifacts/x", "s3://", "s3://bucket", "s3://bucket/../x"} {
		_, _, err := ParseS3Path(bad)
		assert.Error(t, err, bad)
	}
}

func TestS3Store_ObjectKey(t *testing.T) {
	s := NewS3StoreFromClient(nil, "artifacts", "/agentqueue/")
	assert.Equal(t, "agentqueue/job-1/a.txt", s.objectKey("job-1/a.txt"))

	bare := NewS3StoreFromClient(nil, "artifacts", "")
	assert.Equal(t, "job-1/a.txt", bare.objectKey("job-1/a.txt"))
}
