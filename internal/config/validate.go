package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// DATABASE_URL is required and selects the store
	switch {
	case cfg.DatabaseURL == "":
		add("DATABASE_URL", "required")
	case cfg.StoreDriver() == "":
		add("DATABASE_URL", "must start with postgres://, postgresql:// or sqlite://")
	case cfg.StoreDriver() == DriverSQLite && cfg.SQLitePath() == "":
		add("DATABASE_URL", "sqlite:// needs a file path")
	}

	if cfg.WorkerToken == "" {
		add("WORKER_TOKEN", "required")
	} else if len(cfg.WorkerToken) < 16 {
		add("WORKER_TOKEN", "must be at least 16 characters")
	}

	if _, err := ParseUserTokens(cfg.UserTokensStr); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			errs = append(errs, *ve)
		}
	}

	durations := []struct {
		field string
		value string
		min   time.Duration
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr, 0},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr, 0},
		{"DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTimeStr, 0},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr, 0},
		{"RUN_EXEC_TIMEOUT", cfg.RunExecTimeoutStr, 0},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr, 0},
		{"CIRCUIT_BREAKER_MAX_COOLDOWN", cfg.CircuitBreakerMaxCooldownStr, 0},
		{"WATCHDOG_INTERVAL", cfg.WatchdogIntervalStr, 0},
		{"STALE_AFTER", cfg.StaleAfterStr, 30 * time.Second},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr, 0},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr, 0},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		switch {
		case err != nil:
			add(d.field, "invalid duration: %v", err)
		case parsed <= 0:
			add(d.field, "must be positive")
		case parsed < d.min:
			add(d.field, "must be at least %s", d.min)
		}
	}

	if cfg.CircuitBreakerMaxCooldown > 0 && cfg.CircuitBreakerMaxCooldown < cfg.CircuitBreakerCooldown {
		add("CIRCUIT_BREAKER_MAX_COOLDOWN", "must not be shorter than CIRCUIT_BREAKER_COOLDOWN")
	}

	// STALE_AFTER must outlast a run's own execution ceiling, otherwise the
	// watchdog reclaims runs that are still legitimately executing.
	if cfg.StaleAfter > 0 && cfg.RunExecTimeout > 0 && cfg.StaleAfter <= cfg.RunExecTimeout {
		add("STALE_AFTER", "must exceed RUN_EXEC_TIMEOUT (%s)", cfg.RunExecTimeoutStr)
	}

	if cfg.WorkerSchedule != "" {
		if _, err := cron.ParseStandard(cfg.WorkerSchedule); err != nil {
			add("WORKER_SCHEDULE", "invalid cron expression: %v", err)
		}
	}

	if cfg.RateLimitRESTURL != "" {
		u, err := url.Parse(cfg.RateLimitRESTURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("RATE_LIMIT_REST_URL", "must be an http(s) URL")
		}
		if cfg.RateLimitRESTToken == "" {
			add("RATE_LIMIT_REST_TOKEN", "required when RATE_LIMIT_REST_URL is set")
		}
	}

	switch cfg.OTelExporter {
	case "", "none", "stdout", "otlp", "otlphttp":
	default:
		add("RUNKEEPER_OTEL_EXPORTER", "must be one of none, stdout, otlp, otlphttp, got %q", cfg.OTelExporter)
	}

	if cfg.SendGridAPIKey != "" && (cfg.NotifyFrom == "" || cfg.NotifyTo == "") {
		add("NOTIFY_FROM", "NOTIFY_FROM and NOTIFY_TO are required when SENDGRID_API_KEY is set")
	}

	if cfg.ArtifactEndpoint != "" {
		if strings.Contains(cfg.ArtifactEndpoint, "://") {
			add("ARTIFACT_ENDPOINT", "must be host[:port] without a scheme")
		}
		if cfg.ArtifactBucket == "" {
			add("ARTIFACT_BUCKET", "required when ARTIFACT_ENDPOINT is set")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
