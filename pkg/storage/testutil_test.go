package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance on a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(t, db)
		t.Cleanup(func() {
			cleanupPostgresDB(t, db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	require.NoError(t, ConfigurePool(db))
	return db
}

// cleanupPostgresDB deletes all rows from tables after each test
// so tests are isolated without requiring a fresh database per test.
func cleanupPostgresDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	// Order matters: respect foreign key constraints.
	tables := []string{
		"agent_job_events", "agent_job_artifacts", "agent_jobs",
		"task_proposal_notifications", "task_proposals",
		"agent_worker_tokens", "system_control_events", "system_worker_pause_state",
	}
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestStorage returns a migrated storage driven by a manual clock.
func newTestStorage(t *testing.T, opts ...Option) (*GormStorage, *core.ManualClock) {
	t.Helper()
	clock := core.NewManualClock(testEpoch)
	opts = append([]Option{
		WithClock(clock),
		WithRetryPolicy(core.RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute}),
		WithLeaseGrace(30 * time.Second),
	}, opts...)
	s := NewGormStorage(openTestDB(t), opts...)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s, clock
}

func newTestJob(jobType string, payload map[string]any) *core.AgentJob {
	return &core.AgentJob{Type: jobType, Payload: payload}
}

// mustClaim claims the next job for workerID and fails the test when none
// is available.
func mustClaim(t *testing.T, s *GormStorage, workerID string, lease time.Duration) *core.AgentJob {
	t.Helper()
	job, err := s.ClaimJob(context.Background(), core.ClaimRequest{WorkerID: workerID, Lease: lease})
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	return job
}

func eventMessages(t *testing.T, s *GormStorage, jobID string) []string {
	t.Helper()
	events, err := s.ListEvents(context.Background(), jobID, nil, 500)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Message)
	}
	return out
}
