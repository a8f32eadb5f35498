package api

import (
	"encoding/json"
	"time"

	"github.com/RedBackRubbish/torbit-sub007/internal/circuitbreaker"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/worker"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeMaxAttemptsReached = "MAX_ATTEMPTS_REACHED"
	CodeRunNotRetryable    = "RUN_NOT_RETRYABLE"
	CodeInvalidState       = "INVALID_STATE"
	CodeInternal           = "INTERNAL"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeUnknownRunType     = "UNKNOWN_RUN_TYPE"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
)

type CreateRunRequest struct {
	ProjectID      string          `json:"project_id"`
	RunType        string          `json:"run_type"`
	Input          json.RawMessage `json:"input,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"` // default 3
	Retryable      *bool           `json:"retryable,omitempty"`    // default true
}

type DispatchRequest struct {
	RunID     string `json:"run_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type WorkerTickRequest struct {
	RunID             string `json:"run_id,omitempty"`
	ProjectID         string `json:"project_id,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	MaxBatches        int    `json:"max_batches,omitempty"`
	StaleAfterSeconds int    `json:"stale_after_seconds,omitempty"`
}

type RunResponse struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	UserID          string          `json:"user_id"`
	RunType         string          `json:"run_type"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	Input           json.RawMessage `json:"input,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	Retryable       bool            `json:"retryable"`
	CancelRequested bool            `json:"cancel_requested"`
	LastError       string          `json:"last_error,omitempty"`
	StartedAt       *string         `json:"started_at,omitempty"`
	FinishedAt      *string         `json:"finished_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// RunEnvelope wraps a single run. Deduplicated is set when an earlier run
// with the same idempotency key was returned instead of creating a new one.
type RunEnvelope struct {
	Success      bool         `json:"success"`
	Run          *RunResponse `json:"run,omitempty"`
	Deduplicated bool         `json:"deduplicated,omitempty"`
	Degraded     bool         `json:"degraded,omitempty"`
	Notice       string       `json:"notice,omitempty"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type OutcomeResponse struct {
	RunID          string `json:"run_id"`
	RunType        string `json:"run_type"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	AttemptCount   int    `json:"attempt_count"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
}

type DispatchResponse struct {
	Success   bool              `json:"success"`
	Processed int               `json:"processed"`
	Outcomes  []OutcomeResponse `json:"outcomes"`
	Degraded  bool              `json:"degraded,omitempty"`
	Notice    string            `json:"notice,omitempty"`
}

type WatchdogResponse struct {
	Scanned   int `json:"scanned"`
	Stale     int `json:"stale"`
	Recovered int `json:"recovered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type WorkerTickResponse struct {
	Success   bool              `json:"success"`
	Processed int               `json:"processed"`
	Batches   int               `json:"batches"`
	Watchdog  WatchdogResponse  `json:"watchdog"`
	Outcomes  []OutcomeResponse `json:"outcomes"`
	CheckedAt string            `json:"checked_at"`
	Degraded  bool              `json:"degraded,omitempty"`
	Notice    string            `json:"notice,omitempty"`
}

type ProviderResponse struct {
	Label               string  `json:"label"`
	Score               float64 `json:"score"`
	Open                bool    `json:"open"`
	CooldownRemainingMs int64   `json:"cooldown_remaining_ms,omitempty"`
	Attempts            int     `json:"attempts"`
	Successes           int     `json:"successes"`
	Failures            int     `json:"failures"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AverageLatencyMs    *int64  `json:"average_latency_ms,omitempty"`
	LastError           string  `json:"last_error,omitempty"`
}

type ListProvidersResponse struct {
	Providers []ProviderResponse `json:"providers"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// NewRunResponse renders a run the way the HTTP API returns it.
func NewRunResponse(r domain.BackgroundRun) RunResponse {
	return RunResponse{
		ID:              r.ID.String(),
		ProjectID:       r.ProjectID.String(),
		UserID:          r.UserID.String(),
		RunType:         r.RunType,
		Status:          string(r.Status),
		Progress:        r.Progress,
		Input:           r.Input,
		Metadata:        r.Metadata,
		IdempotencyKey:  r.IdempotencyKey,
		AttemptCount:    r.AttemptCount,
		MaxAttempts:     r.MaxAttempts,
		Retryable:       r.Retryable,
		CancelRequested: r.CancelRequested,
		LastError:       r.LastError,
		StartedAt:       formatTimePtr(r.StartedAt),
		FinishedAt:      formatTimePtr(r.FinishedAt),
		CreatedAt:       formatTime(r.CreatedAt),
		UpdatedAt:       formatTime(r.UpdatedAt),
	}
}

func toOutcomes(in []domain.DispatchOutcome) []OutcomeResponse {
	out := make([]OutcomeResponse, len(in))
	for i, o := range in {
		out[i] = OutcomeResponse{
			RunID:          o.RunID.String(),
			RunType:        o.RunType,
			PreviousStatus: string(o.PreviousStatus),
			NewStatus:      string(o.NewStatus),
			AttemptCount:   o.AttemptCount,
			Error:          o.Error,
			DurationMs:     o.Duration.Milliseconds(),
		}
	}
	return out
}

func NewWorkerTickResponse(r worker.Report) WorkerTickResponse {
	return WorkerTickResponse{
		Success:   true,
		Processed: r.Processed,
		Batches:   r.Batches,
		Watchdog: WatchdogResponse{
			Scanned:   r.Watchdog.Scanned,
			Stale:     r.Watchdog.Stale,
			Recovered: r.Watchdog.Recovered,
			Retried:   r.Watchdog.Retried,
			Failed:    r.Watchdog.Failed,
		},
		Outcomes:  toOutcomes(r.Outcomes),
		CheckedAt: formatTime(r.CheckedAt),
		Degraded:  r.Degraded,
		Notice:    r.Notice,
	}
}

func toProviderResponse(s circuitbreaker.Score) ProviderResponse {
	return ProviderResponse{
		Label:               s.Label,
		Score:               s.Score,
		Open:                s.Open,
		CooldownRemainingMs: s.CooldownRemaining.Milliseconds(),
		Attempts:            s.State.Attempts,
		Successes:           s.State.Successes,
		Failures:            s.State.Failures,
		ConsecutiveFailures: s.State.ConsecutiveFailures,
		AverageLatencyMs:    s.State.AverageLatencyMs,
		LastError:           s.State.LastError,
	}
}
