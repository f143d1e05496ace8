package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentqueue.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 2*time.Minute, cfg.Queue.DefaultLease)
	assert.Equal(t, []string{"security", "tests"}, cfg.Proposals.NotifyCategories)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "postgres"
dsn = "postgres://localhost/agentqueue"

[queue]
default_lease = "45s"
reap_schedule = "@every 1m"

[blob]
backend = "s3"
bucket = "artifacts"
region = "eu-west-1"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Queue.DefaultLease)
	assert.Equal(t, "@every 1m", cfg.Queue.ReapSchedule)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseGrace)
	assert.Equal(t, "artifacts", cfg.Blob.Bucket)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
[queue]
default_leese = "45s"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.default_leese")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTQUEUE_DB_DRIVER", "postgres")
	t.Setenv("AGENTQUEUE_DB_DSN", "postgres://env/agentqueue")
	t.Setenv("AGENTQUEUE_DEFAULT_LEASE", "90s")
	t.Setenv("AGENTQUEUE_REDIS_ADDR", "localhost:6379")
	t.Setenv("AGENTQUEUE_RATE_LIMIT_REFILL_PER_SEC", "2.5")
	t.Setenv("AGENTQUEUE_NOTIFY_CATEGORIES", "security, infra ,")
	t.Setenv("AGENTQUEUE_DB_MAX_OPEN_CONNS", "not-a-number")

	path := writeConfig(t, `
[database]
dsn = "file.db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://env/agentqueue", cfg.Database.DSN)
	assert.Equal(t, 90*time.Second, cfg.Queue.DefaultLease)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2.5, cfg.Redis.RateLimitRefill)
	assert.Equal(t, []string{"security", "infra"}, cfg.Proposals.NotifyCategories)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns, "malformed values keep the previous setting")
}

func TestLoad_OperatorTokens(t *testing.T) {
	path := writeConfig(t, `
[server.operator_tokens]
alice = "s3cret"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "s3cret"}, cfg.Server.OperatorTokens)

	t.Setenv("AGENTQUEUE_OPERATOR_TOKENS", "bob=one, carol = two")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "one", "carol": "two"}, cfg.Server.OperatorTokens)

	t.Setenv("AGENTQUEUE_OPERATOR_TOKENS", "bob=one,broken")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "s3cret"}, cfg.Server.OperatorTokens, "malformed values keep the previous setting")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"zero lease", func(c *Config) { c.Queue.DefaultLease = 0 }, "default_lease"},
		{"negative grace", func(c *Config) { c.Queue.LeaseGrace = -time.Second }, "lease_grace"},
		{"retry bounds", func(c *Config) { c.Queue.RetryMaxDelay = time.Second }, "retry_base_delay"},
		{"s3 without bucket", func(c *Config) { c.Blob.Backend = "s3" }, "blob.bucket"},
		{"unknown backend", func(c *Config) { c.Blob.Backend = "gcs" }, "blob.backend"},
		{"rate limit", func(c *Config) { c.Redis.Addr = "x:1"; c.Redis.RateLimitCapacity = 0 }, "rate limit"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"blank operator token", func(c *Config) { c.Server.OperatorTokens = map[string]string{"alice": " "} }, "operator_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = ""
	cfg.Database.DSN = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "database.dsn")
}
