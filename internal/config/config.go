// Package config loads daemon configuration from a TOML file and
// AGENTQUEUE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTQUEUE_"

// Config holds daemon configuration.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Queue     QueueConfig     `toml:"queue"`
	Proposals ProposalsConfig `toml:"proposals"`
	Server    ServerConfig    `toml:"server"`
	Redis     RedisConfig     `toml:"redis"`
	NATS      NATSConfig      `toml:"nats"`
	Blob      BlobConfig      `toml:"blob"`
	Log       LogConfig       `toml:"log"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// QueueConfig tunes leases, retries and the reaper.
type QueueConfig struct {
	DefaultLease     time.Duration `toml:"default_lease"`
	LeaseGrace       time.Duration `toml:"lease_grace"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `toml:"retry_max_delay"`
	MaxArtifactBytes int64         `toml:"max_artifact_bytes"`
	ReapSchedule     string        `toml:"reap_schedule"`
	ReapBatch        int           `toml:"reap_batch"`
}

// ProposalsConfig tunes proposal intake.
type ProposalsConfig struct {
	NotifyCategories []string `toml:"notify_categories"`
}

// ServerConfig is the ops HTTP listener.
type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// OperatorTokens maps operator name to bearer token for the pause and
	// resume routes. Empty refuses every pause change.
	OperatorTokens map[string]string `toml:"operator_tokens"`
}

// RedisConfig enables the proposal intake rate limit. Empty Addr disables it.
type RedisConfig struct {
	Addr              string        `toml:"addr"`
	Password          string        `toml:"password"`
	DB                int           `toml:"db"`
	RateLimitCapacity int           `toml:"rate_limit_capacity"`
	RateLimitRefill   float64       `toml:"rate_limit_refill_per_sec"`
	RateLimitTTL      time.Duration `toml:"rate_limit_ttl"`
}

// NATSConfig enables proposal notifications. Empty URL disables them.
type NATSConfig struct {
	URL   string `toml:"url"`
	Name  string `toml:"name"`
	Token string `toml:"token"`
}

// BlobConfig selects where uploaded artifacts are kept.
type BlobConfig struct {
	// Backend is "local", "s3" or empty to disable uploads.
	Backend   string `toml:"backend"`
	Dir       string `toml:"dir"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	PathStyle bool   `toml:"path_style"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "agentqueue.db",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Queue: QueueConfig{
			DefaultLease:     2 * time.Minute,
			LeaseGrace:       30 * time.Second,
			RetryBaseDelay:   15 * time.Second,
			RetryMaxDelay:    10 * time.Minute,
			MaxArtifactBytes: 50 << 20,
			ReapSchedule:     "@every 30s",
			ReapBatch:        100,
		},
		Proposals: ProposalsConfig{
			NotifyCategories: []string{"security", "tests"},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			RateLimitCapacity: 30,
			RateLimitRefill:   0.5,
			RateLimitTTL:      10 * time.Minute,
		},
		NATS: NATSConfig{Name: "agentqueue"},
		Blob: BlobConfig{Dir: "artifacts"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)

	c.Queue.DefaultLease = getEnvDuration("DEFAULT_LEASE", c.Queue.DefaultLease)
	c.Queue.LeaseGrace = getEnvDuration("LEASE_GRACE", c.Queue.LeaseGrace)
	c.Queue.ReapSchedule = getEnv("REAP_SCHEDULE", c.Queue.ReapSchedule)

	c.Proposals.NotifyCategories = getEnvList("NOTIFY_CATEGORIES", c.Proposals.NotifyCategories)

	c.Server.Addr = getEnv("HTTP_ADDR", c.Server.Addr)
	c.Server.OperatorTokens = getEnvMap("OPERATOR_TOKENS", c.Server.OperatorTokens)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", c.Redis.RateLimitCapacity)
	c.Redis.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", c.Redis.RateLimitRefill)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Token = getEnv("NATS_TOKEN", c.NATS.Token)

	c.Blob.Backend = getEnv("BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Dir = getEnv("BLOB_DIR", c.Blob.Dir)
	c.Blob.Bucket = getEnv("S3_BUCKET", c.Blob.Bucket)
	c.Blob.Region = getEnv("S3_REGION", c.Blob.Region)
	c.Blob.Endpoint = getEnv("S3_ENDPOINT", c.Blob.Endpoint)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Queue.DefaultLease <= 0 {
		errs = append(errs, errors.New("queue.default_lease must be positive"))
	}
	if c.Queue.LeaseGrace < 0 {
		errs = append(errs, errors.New("queue.lease_grace must not be negative"))
	}
	if c.Queue.RetryBaseDelay <= 0 || c.Queue.RetryMaxDelay < c.Queue.RetryBaseDelay {
		errs = append(errs, errors.New("queue.retry_base_delay must be positive and at most retry_max_delay"))
	}
	for name, token := range c.Server.OperatorTokens {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(token) == "" {
			errs = append(errs, errors.New("server.operator_tokens entries need a name and a token"))
			break
		}
	}
	switch c.Blob.Backend {
	case "", "local":
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q: want local or s3", c.Blob.Backend))
	}
	if c.Redis.Addr != "" && (c.Redis.RateLimitCapacity <= 0 || c.Redis.RateLimitRefill <= 0) {
		errs = append(errs, errors.New("redis rate limit capacity and refill must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger builds the configured slog logger writing to stderr.
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getEnv(key, def string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvMap parses "name=value,name=value". Any malformed entry keeps def.
func getEnvMap(key string, def map[string]string) map[string]string {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	out := make(map[string]string)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return def
		}
		out[name] = value
	}
	return out
}
