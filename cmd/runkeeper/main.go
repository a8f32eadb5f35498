package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RedBackRubbish/torbit-sub007/internal/api"
	"github.com/RedBackRubbish/torbit-sub007/internal/app"
	"github.com/RedBackRubbish/torbit-sub007/internal/config"
	"github.com/RedBackRubbish/torbit-sub007/internal/leaderelection"
	"github.com/RedBackRubbish/torbit-sub007/internal/metrics"
	"github.com/RedBackRubbish/torbit-sub007/internal/observability"
	"github.com/RedBackRubbish/torbit-sub007/internal/transport/channel"
	"github.com/RedBackRubbish/torbit-sub007/internal/trigger"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`runkeeper - background run orchestration

Usage:
  runkeeper <command>

Commands:
  serve      Start the HTTP API, event consumers and optional schedule
  migrate    Apply database migrations and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL                  postgres:// or sqlite:// URL (required)
  HTTP_ADDR                     HTTP server address (default: ":8080", or ":$PORT")
  WORKER_TOKEN                  Bearer token for /worker/tick and /providers (required)
  USER_TOKENS                   Static user API tokens, "token:user-uuid,..."

  DB_OP_TIMEOUT                 Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS             Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS             Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME          Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME         Max connection idle time (default: "5m")
  HTTP_SHUTDOWN_TIMEOUT         Graceful HTTP shutdown timeout (default: "10s")

  RUN_EXEC_TIMEOUT              Ceiling for one executor call (default: "5m")
  PROVIDER_CONFIG_FILE          YAML provider routing file
  CIRCUIT_BREAKER_THRESHOLD     Consecutive failures that open a circuit (default: "2")
  CIRCUIT_BREAKER_COOLDOWN      Base cooldown (default: "30s")
  CIRCUIT_BREAKER_MAX_COOLDOWN  Cooldown ceiling (default: "5m")

  REDIS_ADDR                    Redis for shared rate limits and analytics (optional)
  RATE_LIMIT_REST_URL           Hosted counter store, used without REDIS_ADDR (optional)
  RATE_LIMIT_REST_TOKEN         Token for RATE_LIMIT_REST_URL
  RATE_LIMIT_CHAT_PER_MINUTE    Interactive requests per identifier (default: "20")
  RATE_LIMIT_WORKER_PER_MINUTE  Worker invocations per identifier (default: "6")

  WATCHDOG_ENABLED              Periodic stale run recovery (default: "true")
  WATCHDOG_INTERVAL             Watchdog scan interval (default: "1m")
  STALE_AFTER                   Lease timeout for running runs (default: "600s")
  WORKER_SCHEDULE               Cron expression firing the worker loop in-process
  WORKER_LIMIT                  Runs per scheduled invocation (default: "10")
  WORKER_BATCH_SIZE             Runs per dispatch batch (default: "5")
  WORKER_MAX_BATCHES            Batches per invocation (default: "4")
  EVENTBUS_BUFFER_SIZE          Run event buffer (default: "100")

  LEADER_LOCK_KEY               Postgres advisory lock key (default: "728380")
  LEADER_RETRY_INTERVAL         Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL     Leader connection ping interval (default: "2s")

  METRICS_ENABLED               Enable Prometheus metrics (default: "false")
  METRICS_PATH                  Metrics endpoint path (default: "/metrics")
  METRICS_PORT                  Metrics server port (default: "9090")
  RUNKEEPER_OTEL_EXPORTER       none, stdout, otlp or otlphttp (default: "none")
  OTEL_EXPORTER_OTLP_ENDPOINT   Collector endpoint for otlp exporters

  SENDGRID_API_KEY              Failure notification email (optional)
  NOTIFY_FROM, NOTIFY_TO        Notification sender and recipient
  ARTIFACT_ENDPOINT             S3-compatible endpoint for executor output (optional)
  ARTIFACT_BUCKET               Artifact bucket
  ARTIFACT_ACCESS_KEY           Artifact credentials
  ARTIFACT_SECRET_KEY
  ARTIFACT_USE_SSL              (default: "true")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(&cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	shutdownTracing, err := observability.InitTracing(startCtx, observability.TracingConfig{
		Service:  "runkeeper",
		Version:  version,
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tracing: %v\n", err)
		return exitRuntimeError
	}

	db, store, err := app.OpenStore(startCtx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	if cfg.StoreDriver() == config.DriverPostgres {
		if err := probeSchema(db); err != nil {
			fmt.Fprintf(os.Stderr, "database schema not found (%v); run `runkeeper migrate` first\n", err)
			return exitRuntimeError
		}
	}

	// Initialize metrics sink (optional)
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("runkeeper: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("runkeeper: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("runkeeper: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("runkeeper: METRICS_ENABLED not set; metrics disabled")
	}

	rdb := app.NewRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	components, err := app.Build(startCtx, cfg, store, sink, bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build components: %v\n", err)
		return exitRuntimeError
	}

	duties, err := leaderDuties(cfg, components, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	chat, bulk := app.Limiters(cfg, rdb, sink)
	apiHandler := api.NewHandler(store, components.Dispatcher, components.Loop).
		WithWorkerToken(cfg.WorkerToken).
		WithSessions(api.StaticTokens(cfg.UserTokens)).
		WithLimiters(chat, bulk).
		WithProviders(components.Health).
		WithRunTypes(components.Executors).
		WithHealthChecker(db)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("runkeeper: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("runkeeper: http server error: %v", err)
		}
	}()

	// Separate contexts so background duties stop before the event consumer.
	dutiesCtx, cancelDuties := context.WithCancel(context.Background())
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())

	var dutiesWg sync.WaitGroup
	var consumerWg sync.WaitGroup

	consumerWg.Add(1)
	go func() {
		defer consumerWg.Done()
		bus.Consume(consumerCtx, app.EventHandlers(cfg, rdb)...)
	}()

	if duties != nil {
		dutiesWg.Add(1)
		if cfg.StoreDriver() == config.DriverPostgres {
			duty := leaderelection.NewDuty(duties)
			elector := leaderelection.New(db, leaderelection.Config{
				LockKey:           cfg.LeaderLockKey,
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			}, duty.Elected, duty.Demoted).WithMetrics(sink)
			go func() {
				defer dutiesWg.Done()
				elector.Run(dutiesCtx)
			}()
		} else {
			go func() {
				defer dutiesWg.Done()
				duties(dutiesCtx)
			}()
		}
	}

	log.Printf("runkeeper: started (http=%s, store=%s, run_types=%v)",
		cfg.HTTPAddr, cfg.StoreDriver(), components.Executors.RunTypes())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("runkeeper: received signal %v, shutting down", received)

	// Phase 1: Stop schedule and watchdog (no new background invocations)
	log.Println("runkeeper: stopping background duties...")
	cancelDuties()
	dutiesWg.Wait()
	log.Println("runkeeper: background duties stopped")

	// Phase 2: Stop HTTP server; in-flight dispatches finish and emit their events
	log.Println("runkeeper: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("runkeeper: http server shutdown error: %v", err)
	}
	log.Println("runkeeper: http server stopped")

	// Phase 3: Stop event consumer
	log.Println("runkeeper: stopping event consumer...")
	cancelConsumer()
	consumerWg.Wait()
	log.Println("runkeeper: event consumer stopped")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("runkeeper: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("runkeeper: metrics server shutdown error: %v", err)
		}
		log.Println("runkeeper: metrics server stopped")
	}

	tracingCtx, tracingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracingCancel()
	if err := shutdownTracing(tracingCtx); err != nil {
		log.Printf("runkeeper: tracing shutdown error: %v", err)
	}

	log.Println("runkeeper: stopped")
	return exitSuccess
}

// leaderDuties returns the background work a single instance should own:
// the periodic watchdog and the scheduled worker loop. It returns nil when
// both are disabled.
func leaderDuties(cfg config.Config, c *app.Components, sink metrics.Sink) (func(ctx context.Context), error) {
	var trig *trigger.Trigger
	if cfg.WorkerSchedule != "" {
		t, err := trigger.New(trigger.Config{
			Schedule: cfg.WorkerSchedule,
			Request:  app.WorkerRequest(cfg),
		}, c.Loop)
		if err != nil {
			return nil, err
		}
		trig = t.WithMetrics(sink)
	}
	if trig == nil && !cfg.WatchdogEnabled {
		return nil, nil
	}

	return func(ctx context.Context) {
		var wg sync.WaitGroup
		if cfg.WatchdogEnabled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Watchdog.Run(ctx)
			}()
		}
		if trig != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := trig.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("runkeeper: trigger stopped: %v", err)
				}
			}()
		}
		wg.Wait()
	}, nil
}

// probeSchema checks that the background_runs table exists.
func probeSchema(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var one int
	return db.QueryRowContext(ctx,
		`SELECT 1 FROM information_schema.columns WHERE table_name = 'background_runs' AND column_name = 'cancel_requested'`,
	).Scan(&one)
}

// logConfigWarnings prints operator-facing warnings for configurations that
// work but are likely to surprise.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.WatchdogEnabled && cfg.WorkerSchedule == "" {
		log.Println("runkeeper: WARNING [P0]: WATCHDOG_ENABLED=false with no WORKER_SCHEDULE; stale running runs are recovered only when /worker/tick is called")
	}
	if len(cfg.UserTokens) == 0 {
		log.Println("runkeeper: WARNING [P1]: USER_TOKENS is empty; every user route will answer 401")
	}
	if !cfg.MetricsEnabled {
		log.Println("runkeeper: WARNING [P1]: METRICS_ENABLED=false; dispatch and provider health are not observable")
	}
	if cfg.RedisAddr == "" && cfg.RateLimitRESTURL == "" {
		log.Println("runkeeper: INFO: no REDIS_ADDR or RATE_LIMIT_REST_URL; rate limits are enforced per process")
	}
	if cfg.StoreDriver() == config.DriverSQLite && cfg.WorkerSchedule != "" {
		log.Println("runkeeper: INFO: sqlite store with WORKER_SCHEDULE; no leader election, run a single instance")
	}
}

func runMigrate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println("migrations applied")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("runkeeper version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
