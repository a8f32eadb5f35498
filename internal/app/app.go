// Package app assembles the runkeeper components from configuration. Both
// the server and the operator CLI build through it so they share one wiring.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RedBackRubbish/torbit-sub007/internal/analytics"
	"github.com/RedBackRubbish/torbit-sub007/internal/artifacts"
	"github.com/RedBackRubbish/torbit-sub007/internal/circuitbreaker"
	"github.com/RedBackRubbish/torbit-sub007/internal/config"
	"github.com/RedBackRubbish/torbit-sub007/internal/dispatcher"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/executor"
	"github.com/RedBackRubbish/torbit-sub007/internal/metrics"
	"github.com/RedBackRubbish/torbit-sub007/internal/notify"
	"github.com/RedBackRubbish/torbit-sub007/internal/ratelimit"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
	"github.com/RedBackRubbish/torbit-sub007/internal/store/postgres"
	"github.com/RedBackRubbish/torbit-sub007/internal/store/sqlite"
	"github.com/RedBackRubbish/torbit-sub007/internal/transport/channel"
	"github.com/RedBackRubbish/torbit-sub007/internal/watchdog"
	"github.com/RedBackRubbish/torbit-sub007/internal/worker"

	_ "github.com/lib/pq"
)

// Store is everything the components need from a background run store.
// Both the Postgres and SQLite stores satisfy it.
type Store interface {
	dispatcher.Store
	watchdog.Store
	CreateRun(ctx context.Context, run domain.BackgroundRun) (domain.BackgroundRun, bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (domain.BackgroundRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter, limit, offset int) ([]domain.BackgroundRun, error)
	RequestCancel(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error)
	RequeueRun(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error)
	Migrate(ctx context.Context) error
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

type EventEmitter interface {
	Emit(ctx context.Context, event domain.RunEvent) error
}

// OpenStore connects to the database DATABASE_URL names. SQLite databases
// are migrated on open; Postgres is migrated by the migrate command.
func OpenStore(ctx context.Context, cfg config.Config) (*sql.DB, Store, error) {
	switch cfg.StoreDriver() {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		log.Printf("app: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		return db, postgres.New(db, cfg.DBOpTimeout), nil

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		st := sqlite.New(db, cfg.DBOpTimeout)
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		log.Printf("app: using sqlite store at %s", cfg.SQLitePath())
		return db, st, nil
	}
	return nil, nil, fmt.Errorf("unsupported DATABASE_URL scheme")
}

// Components is the assembled run pipeline.
type Components struct {
	Executors  *dispatcher.Registry
	Health     *circuitbreaker.Registry
	Dispatcher *dispatcher.Dispatcher
	Watchdog   *watchdog.Watchdog
	Loop       *worker.Loop
}

// Build wires executors, dispatcher, watchdog and worker loop around st.
// sink must not be nil; events may be.
func Build(ctx context.Context, cfg config.Config, st Store, sink metrics.Sink, events EventEmitter) (*Components, error) {
	health := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		BaseCooldown:     cfg.CircuitBreakerCooldown,
		MaxCooldown:      cfg.CircuitBreakerMaxCooldown,
	})

	executors := dispatcher.NewRegistry()
	if cfg.ProviderConfigFile != "" {
		routing, err := executor.LoadRouting(cfg.ProviderConfigFile)
		if err != nil {
			return nil, err
		}
		executor.NewProviderExecutor(routing, health, executor.NewHTTPClient()).
			WithMetrics(sink).
			Register(executors)
		log.Printf("app: provider routing loaded (providers=%d, run_types=%v)", len(routing.Providers), routing.RunTypes())
	} else {
		log.Println("app: PROVIDER_CONFIG_FILE not set; no run types are executable")
	}

	disp := dispatcher.New(st, executors).
		WithTimeout(cfg.RunExecTimeout).
		WithMetrics(sink)
	if events != nil {
		disp = disp.WithEvents(events)
	}

	if cfg.ArtifactEndpoint != "" {
		archive, err := artifacts.NewMinIO(artifacts.Config{
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			Bucket:    cfg.ArtifactBucket,
			UseSSL:    cfg.ArtifactUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		disp = disp.WithArtifacts(archive)
		log.Printf("app: artifacts enabled (endpoint=%s, bucket=%s)", cfg.ArtifactEndpoint, cfg.ArtifactBucket)
	}

	wd := watchdog.New(watchdog.Config{
		Interval:   cfg.WatchdogInterval,
		StaleAfter: cfg.StaleAfter,
	}, st).WithMetrics(sink)
	if events != nil {
		wd = wd.WithEvents(events)
	}

	return &Components{
		Executors:  executors,
		Health:     health,
		Dispatcher: disp,
		Watchdog:   wd,
		Loop:       worker.New(disp, wd).WithMetrics(sink),
	}, nil
}

// WorkerRequest is the invocation the schedule trigger and the tick command
// run with.
func WorkerRequest(cfg config.Config) worker.Request {
	return worker.Request{
		Limit:      cfg.WorkerLimit,
		BatchSize:  cfg.WorkerBatchSize,
		MaxBatches: cfg.WorkerMaxBatches,
		StaleAfter: cfg.StaleAfter,
	}
}

// NewRedis returns a client for REDIS_ADDR, or nil when it is unset.
func NewRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

// Limiters builds the chat and worker admission limiters. Each is a
// composite of the shared window counter, when one is configured, and a
// process-local token bucket.
func Limiters(cfg config.Config, rdb *redis.Client, sink metrics.Sink) (chat, bulk ratelimit.Limiter) {
	build := func(p ratelimit.Policy) ratelimit.Limiter {
		var distributed ratelimit.Limiter
		switch {
		case rdb != nil:
			distributed = ratelimit.NewRedisWindow(rdb, p)
		case cfg.RateLimitRESTURL != "":
			distributed = ratelimit.NewRESTWindow(cfg.RateLimitRESTURL, cfg.RateLimitRESTToken, p, 0)
		}
		return ratelimit.NewComposite(distributed, ratelimit.NewLocalBucket(p)).WithMetrics(sink)
	}
	return build(ratelimit.ChatPolicy(cfg.RateLimitChatPerMinute)),
		build(ratelimit.WorkerPolicy(cfg.RateLimitWorkerPerMinute))
}

// EventHandlers returns the consumers of run events: a log line for every
// terminal event, hourly counters when Redis is configured and a failure
// email when SendGrid is configured.
func EventHandlers(cfg config.Config, rdb *redis.Client) []channel.Handler {
	handlers := []channel.Handler{channel.HandlerFunc(logEvent)}
	if rdb != nil {
		handlers = append(handlers, analytics.NewRedisSink(rdb, analytics.DefaultRetention))
		log.Printf("app: analytics enabled (redis=%s)", cfg.RedisAddr)
	}
	if cfg.SendGridAPIKey != "" && cfg.NotifyTo != "" {
		handlers = append(handlers, notify.NewSendGridNotifier(cfg.SendGridAPIKey, cfg.NotifyFrom, cfg.NotifyTo))
		log.Printf("app: failure notifications enabled (to=%s)", cfg.NotifyTo)
	}
	return handlers
}

func logEvent(_ context.Context, e domain.RunEvent) error {
	if e.Error != "" {
		log.Printf("event: run=%s type=%s status=%s attempt=%d error=%q", e.RunID, e.RunType, e.Status, e.AttemptCount, e.Error)
		return nil
	}
	log.Printf("event: run=%s type=%s status=%s attempt=%d", e.RunID, e.RunType, e.Status, e.AttemptCount)
	return nil
}
