// Command agentqueued runs the agentqueue control plane: the lease reaper,
// the metrics collector and the ops HTTP server.
//
// Usage:
//
//	agentqueued -config agentqueue.toml
//	agentqueued -config agentqueue.toml -migrate-only
//	agentqueued -config agentqueue.toml -issue-token builder-1 -types code.fix -repos acme/api
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/agentqueue"
	"github.com/jdziat/agentqueue/internal/config"
	"github.com/jdziat/agentqueue/internal/server"
	"github.com/jdziat/agentqueue/pkg/auth"
	"github.com/jdziat/agentqueue/pkg/blob"
	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/notify"
	"github.com/jdziat/agentqueue/pkg/ratelimit"
	"github.com/jdziat/agentqueue/pkg/storage"
	"github.com/jdziat/agentqueue/pkg/worker"
)

type flags struct {
	configPath   string
	migrateOnly  bool
	issueToken   string
	description  string
	repos        string
	types        string
	capabilities string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("agentqueued", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to a TOML config file")
	fs.BoolVar(&f.migrateOnly, "migrate-only", false, "migrate the schema, backfill dedup keys and exit")
	fs.StringVar(&f.issueToken, "issue-token", "", "issue a token for this worker ID, print it and exit")
	fs.StringVar(&f.description, "description", "", "description for -issue-token")
	fs.StringVar(&f.repos, "repos", "", "comma-separated repository allow-list for -issue-token")
	fs.StringVar(&f.types, "types", "", "comma-separated job type allow-list for -issue-token")
	fs.StringVar(&f.capabilities, "capabilities", "", "comma-separated capabilities for -issue-token")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := cfg.Log.NewLogger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, os.Stdout, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agentqueued failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, f flags, out io.Writer, log *slog.Logger) error {
	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var (
		opts   []agentqueue.Option
		checks []server.Option
	)
	opts = append(opts,
		agentqueue.WithLogger(log),
		agentqueue.WithPoolOptions(poolOptions(cfg.Database)...),
		agentqueue.WithDefaultLease(cfg.Queue.DefaultLease),
		agentqueue.WithLeaseGrace(cfg.Queue.LeaseGrace),
		agentqueue.WithRetryPolicy(core.RetryPolicy{BaseDelay: cfg.Queue.RetryBaseDelay, MaxDelay: cfg.Queue.RetryMaxDelay}),
		agentqueue.WithMaxArtifactBytes(cfg.Queue.MaxArtifactBytes),
		agentqueue.WithReapBatch(cfg.Queue.ReapBatch),
		agentqueue.WithNotifyCategories(cfg.Proposals.NotifyCategories...),
	)
	checks = append(checks, server.WithHealthCheck("database", sqlDB.PingContext))

	store, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	if store != nil {
		opts = append(opts, agentqueue.WithBlobStore(store))
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		limiter := ratelimit.NewTokenBucket(client, cfg.Redis.RateLimitCapacity, cfg.Redis.RateLimitRefill, cfg.Redis.RateLimitTTL)
		opts = append(opts, agentqueue.WithRateLimiter(limiter))
		checks = append(checks, server.WithHealthCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	if cfg.NATS.URL != "" {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.NATS.Name
		natsCfg.Token = cfg.NATS.Token
		pub, err := notify.NewNATSPublisher(natsCfg)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, agentqueue.WithPublisher(pub))
	}

	sys, err := agentqueue.Open(ctx, db, opts...)
	if err != nil {
		return err
	}

	switch {
	case f.migrateOnly:
		n, err := sys.BackfillDedupKeys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "migrated; %d proposal dedup keys updated\n", n)
		return nil
	case f.issueToken != "":
		issued, err := sys.Tokens.Issue(ctx, auth.IssueRequest{
			WorkerID:            f.issueToken,
			Description:         f.description,
			AllowedRepositories: splitList(f.repos),
			AllowedJobTypes:     splitList(f.types),
			Capabilities:        splitList(f.capabilities),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "token id: %s\nsecret:   %s\n", issued.Token.ID, issued.Raw)
		return nil
	}

	return serve(ctx, cfg, sys, checks, log)
}

// serve runs the long-lived components until ctx ends or one fails.
func serve(ctx context.Context, cfg config.Config, sys *agentqueue.System, checks []server.Option, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(cfg.Server.OperatorTokens) == 0 {
		log.Warn("no operator tokens configured; pause and resume requests will be refused")
	}
	srv := server.New(sys.Pause, append(checks,
		server.WithMetricsHandler(sys.Metrics.Handler()),
		server.WithMiddleware(server.OperatorAuth(cfg.Server.OperatorTokens)),
		server.WithLogger(log),
	)...)
	reaper := sys.NewReaper(worker.WithSchedule(cfg.Queue.ReapSchedule))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		sys.Metrics.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		fail(reaper.Start(ctx))
	}()
	go func() {
		defer wg.Done()
		fail(srv.Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout))
	}()

	log.Info("agentqueued started", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
	wg.Wait()
	log.Info("agentqueued stopped")
	return firstErr
}

func openDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// poolOptions leaves SQLite on its single-connection defaults.
func poolOptions(cfg config.DatabaseConfig) []storage.PoolOption {
	if cfg.Driver == "sqlite" {
		return nil
	}
	return []storage.PoolOption{
		storage.MaxOpenConns(cfg.MaxOpenConns),
		storage.MaxIdleConns(cfg.MaxIdleConns),
		storage.ConnMaxLifetime(cfg.ConnMaxLifetime),
	}
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "local":
		return blob.NewLocalStore(cfg.Dir)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	}
	return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
