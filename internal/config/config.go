package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for runkeeper.
// Values are loaded from environment variables; see printUsage() in
// cmd/runkeeper for the full list.
type Config struct {
	// DatabaseURL selects the store: postgres:// or postgresql:// for
	// Postgres, sqlite:// followed by a file path for SQLite.
	DatabaseURL string `json:"database_url"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	// WorkerToken authenticates the worker and scheduler endpoints.
	WorkerToken string `json:"-"`

	// UserTokens maps static API tokens to user IDs ("token:uuid,token:uuid").
	UserTokens    map[string]uuid.UUID `json:"-"`
	UserTokensStr string               `json:"-"`

	RunExecTimeout    time.Duration `json:"-"`
	RunExecTimeoutStr string        `json:"run_exec_timeout"`

	ProviderConfigFile string `json:"provider_config_file,omitempty"`

	CircuitBreakerThreshold      int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown       time.Duration `json:"-"`
	CircuitBreakerCooldownStr    string        `json:"circuit_breaker_cooldown"`
	CircuitBreakerMaxCooldown    time.Duration `json:"-"`
	CircuitBreakerMaxCooldownStr string        `json:"circuit_breaker_max_cooldown"`

	// RedisAddr enables the distributed rate limiter and analytics.
	RedisAddr string `json:"redis_addr,omitempty"`

	// RateLimitRESTURL points at a hosted counter store's pipeline endpoint.
	// Used when RedisAddr is empty.
	RateLimitRESTURL   string `json:"rate_limit_rest_url,omitempty"`
	RateLimitRESTToken string `json:"-"`

	RateLimitChatPerMinute   int `json:"rate_limit_chat_per_minute"`
	RateLimitWorkerPerMinute int `json:"rate_limit_worker_per_minute"`

	WatchdogEnabled     bool          `json:"watchdog_enabled"`
	WatchdogInterval    time.Duration `json:"-"`
	WatchdogIntervalStr string        `json:"watchdog_interval"`
	StaleAfter          time.Duration `json:"-"`
	StaleAfterStr       string        `json:"stale_after"`

	// WorkerSchedule is a 5-field cron expression that fires the worker loop
	// in-process. Empty leaves triggering to an external scheduler.
	WorkerSchedule   string `json:"worker_schedule,omitempty"`
	WorkerLimit      int    `json:"worker_limit"`
	WorkerBatchSize  int    `json:"worker_batch_size"`
	WorkerMaxBatches int    `json:"worker_max_batches"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	// OTelExporter: none, stdout, otlp (gRPC) or otlphttp.
	OTelExporter string `json:"otel_exporter"`
	OTelEndpoint string `json:"otel_endpoint,omitempty"`

	SendGridAPIKey string `json:"-"`
	NotifyFrom     string `json:"notify_from,omitempty"`
	NotifyTo       string `json:"notify_to,omitempty"`

	ArtifactEndpoint  string `json:"artifact_endpoint,omitempty"`
	ArtifactAccessKey string `json:"-"`
	ArtifactSecretKey string `json:"-"`
	ArtifactBucket    string `json:"artifact_bucket,omitempty"`
	ArtifactUseSSL    bool   `json:"artifact_use_ssl"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Store drivers reported by StoreDriver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StoreDriver reports which store DatabaseURL selects, or "" when the scheme
// is not recognised.
func (c Config) StoreDriver() string {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return DriverSQLite
	}
	return ""
}

// SQLitePath returns the file path of a sqlite:// DatabaseURL.
func (c Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		HTTPAddr:           os.Getenv("HTTP_ADDR"),
		WorkerToken:        os.Getenv("WORKER_TOKEN"),
		UserTokensStr:      os.Getenv("USER_TOKENS"),
		ProviderConfigFile: os.Getenv("PROVIDER_CONFIG_FILE"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RateLimitRESTURL:   os.Getenv("RATE_LIMIT_REST_URL"),
		RateLimitRESTToken: os.Getenv("RATE_LIMIT_REST_TOKEN"),
		WatchdogEnabled:    os.Getenv("WATCHDOG_ENABLED") != "false",
		WorkerSchedule:     strings.TrimSpace(os.Getenv("WORKER_SCHEDULE")),
		MetricsEnabled:     os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:        os.Getenv("METRICS_PATH"),
		MetricsPort:        os.Getenv("METRICS_PORT"),
		OTelExporter:       os.Getenv("RUNKEEPER_OTEL_EXPORTER"),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SendGridAPIKey:     os.Getenv("SENDGRID_API_KEY"),
		NotifyFrom:         os.Getenv("NOTIFY_FROM"),
		NotifyTo:           os.Getenv("NOTIFY_TO"),
		ArtifactEndpoint:   os.Getenv("ARTIFACT_ENDPOINT"),
		ArtifactAccessKey:  os.Getenv("ARTIFACT_ACCESS_KEY"),
		ArtifactSecretKey:  os.Getenv("ARTIFACT_SECRET_KEY"),
		ArtifactBucket:     os.Getenv("ARTIFACT_BUCKET"),
		ArtifactUseSSL:     os.Getenv("ARTIFACT_USE_SSL") != "false",

		DBOpTimeoutStr:               envOr("DB_OP_TIMEOUT", "5s"),
		DBConnMaxLifetimeStr:         envOr("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr:         envOr("DB_CONN_MAX_IDLE_TIME", "5m"),
		HTTPShutdownTimeoutStr:       envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		RunExecTimeoutStr:            envOr("RUN_EXEC_TIMEOUT", "5m"),
		CircuitBreakerCooldownStr:    envOr("CIRCUIT_BREAKER_COOLDOWN", "30s"),
		CircuitBreakerMaxCooldownStr: envOr("CIRCUIT_BREAKER_MAX_COOLDOWN", "5m"),
		WatchdogIntervalStr:          envOr("WATCHDOG_INTERVAL", "1m"),
		StaleAfterStr:                envOr("STALE_AFTER", "600s"),
		LeaderRetryIntervalStr:       envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr:   envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),

		DBMaxOpenConns:           envPositiveInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:           envPositiveInt("DB_MAX_IDLE_CONNS", 5),
		CircuitBreakerThreshold:  envPositiveInt("CIRCUIT_BREAKER_THRESHOLD", 2),
		RateLimitChatPerMinute:   envPositiveInt("RATE_LIMIT_CHAT_PER_MINUTE", 20),
		RateLimitWorkerPerMinute: envPositiveInt("RATE_LIMIT_WORKER_PER_MINUTE", 6),
		WorkerLimit:              envPositiveInt("WORKER_LIMIT", 10),
		WorkerBatchSize:          envPositiveInt("WORKER_BATCH_SIZE", 5),
		WorkerMaxBatches:         envPositiveInt("WORKER_MAX_BATCHES", 4),
		EventBusBufferSize:       envPositiveInt("EVENTBUS_BUFFER_SIZE", 100),
		LeaderLockKey:            int64(envPositiveInt("LEADER_LOCK_KEY", 728380)),
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.OTelExporter == "" {
		cfg.OTelExporter = "none"
	}

	// Parse durations and tokens; validation is handled separately by Validate().
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	cfg.DBOpTimeout = parse(cfg.DBOpTimeoutStr)
	cfg.DBConnMaxLifetime = parse(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parse(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parse(cfg.HTTPShutdownTimeoutStr)
	cfg.RunExecTimeout = parse(cfg.RunExecTimeoutStr)
	cfg.CircuitBreakerCooldown = parse(cfg.CircuitBreakerCooldownStr)
	cfg.CircuitBreakerMaxCooldown = parse(cfg.CircuitBreakerMaxCooldownStr)
	cfg.WatchdogInterval = parse(cfg.WatchdogIntervalStr)
	cfg.StaleAfter = parse(cfg.StaleAfterStr)
	cfg.LeaderRetryInterval = parse(cfg.LeaderRetryIntervalStr)
	cfg.LeaderHeartbeatInterval = parse(cfg.LeaderHeartbeatIntervalStr)
	cfg.UserTokens, _ = ParseUserTokens(cfg.UserTokensStr)

	return cfg
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envPositiveInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
		return def
	}
	return n
}

// ParseUserTokens parses "token:user-uuid" pairs separated by commas.
func ParseUserTokens(s string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		token, id, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" {
			return nil, &ValidationError{Field: "USER_TOKENS", Message: "entries must be token:user-uuid"}
		}
		userID, err := uuid.Parse(id)
		if err != nil {
			return nil, &ValidationError{Field: "USER_TOKENS", Message: "invalid user id: " + err.Error()}
		}
		out[token] = userID
	}
	return out, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		Config
		DatabaseURL        string `json:"database_url"`
		WorkerToken        string `json:"worker_token"`
		UserTokens         int    `json:"user_tokens"`
		RateLimitRESTToken string `json:"rate_limit_rest_token,omitempty"`
		SendGridAPIKey     string `json:"sendgrid_api_key,omitempty"`
		ArtifactAccessKey  string `json:"artifact_access_key,omitempty"`
		ArtifactSecretKey  string `json:"artifact_secret_key,omitempty"`
	}{
		Config:             c,
		DatabaseURL:        maskSecret(c.DatabaseURL),
		WorkerToken:        maskSecret(c.WorkerToken),
		UserTokens:         len(c.UserTokens),
		RateLimitRESTToken: maskSecret(c.RateLimitRESTToken),
		SendGridAPIKey:     maskSecret(c.SendGridAPIKey),
		ArtifactAccessKey:  maskSecret(c.ArtifactAccessKey),
		ArtifactSecretKey:  maskSecret(c.ArtifactSecretKey),
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "sqlite://"} {
		if strings.HasPrefix(s, scheme) {
			if scheme == "sqlite://" {
				// A file path is not a secret.
				return s
			}
			return scheme + "***"
		}
	}
	return "***"
}
