package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no dispatcher or watchdog transition leaves s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

const (
	DefaultMaxAttempts = 3
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10

	MinIdempotencyKeyLen = 8
	MaxIdempotencyKeyLen = 128
)

var ErrInvalidIdempotencyKey = errors.New("idempotency key must be 8-128 characters")

// BackgroundRun is one unit of queued asynchronous work.
//
// Status, Progress, AttemptCount and the timestamps are only mutated by the
// dispatcher and the watchdog. CancelRequested is advisory: executors poll it,
// nothing interrupts an in-flight call.
type BackgroundRun struct {
	ID uuid.UUID

	ProjectID uuid.UUID
	UserID    uuid.UUID
	RunType   string

	Status   RunStatus
	Progress int

	Input    json.RawMessage
	Metadata json.RawMessage

	IdempotencyKey string // empty when the creator supplied none

	AttemptCount    int
	MaxAttempts     int
	Retryable       bool
	CancelRequested bool
	LastError       string

	StartedAt  *time.Time // lease marker while running
	FinishedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r BackgroundRun) AttemptsRemaining() bool {
	return r.AttemptCount < r.MaxAttempts
}

// Manual retry refusals, in the order CheckManualRetry tests them.
var (
	ErrMaxAttemptsReached = errors.New("run has used all of its attempts")
	ErrRunNotRetryable    = errors.New("run is not retryable")
	ErrRetryInvalidState  = errors.New("only failed or cancelled runs can be retried")
)

// CheckManualRetry reports why an operator may not requeue r, or nil.
// Attempts are checked first: an exhausted run is final whatever its
// retryable flag says.
func (r BackgroundRun) CheckManualRetry() error {
	switch {
	case !r.AttemptsRemaining():
		return ErrMaxAttemptsReached
	case !r.Retryable:
		return ErrRunNotRetryable
	case r.Status != RunStatusFailed && r.Status != RunStatusCancelled:
		return ErrRetryInvalidState
	}
	return nil
}

// CanRequeue reports whether a failed attempt may go back to the queue.
func (r BackgroundRun) CanRequeue() bool {
	return r.Retryable && r.AttemptsRemaining()
}

// IsStale reports whether a running run's lease has expired. A running run
// without a lease marker cannot be verified and counts as stale.
func (r BackgroundRun) IsStale(now time.Time, staleAfter time.Duration) bool {
	if r.Status != RunStatusRunning {
		return false
	}
	if r.StartedAt == nil {
		return true
	}
	return now.Sub(*r.StartedAt) > staleAfter
}

// NormalizeIdempotencyKey trims raw and checks its length in characters. An
// empty key is valid and means no deduplication.
func NormalizeIdempotencyKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", nil
	}
	if n := utf8.RuneCountInString(key); n < MinIdempotencyKeyLen || n > MaxIdempotencyKeyLen {
		return "", ErrInvalidIdempotencyKey
	}
	return key, nil
}

// Scope narrows dispatch and recovery. Zero fields match everything.
type Scope struct {
	RunID     uuid.UUID
	ProjectID uuid.UUID
	UserID    uuid.UUID
}

// Unpinned returns the scope without its single-run pin.
func (s Scope) Unpinned() Scope {
	s.RunID = uuid.Nil
	return s
}

// NewRunParams carries the creator-supplied fields of a run.
type NewRunParams struct {
	ProjectID      uuid.UUID
	UserID         uuid.UUID
	RunType        string
	Input          json.RawMessage
	Metadata       json.RawMessage
	IdempotencyKey string
	MaxAttempts    int   // 0 selects DefaultMaxAttempts
	Retryable      *bool // nil selects true
}

// NewRun builds a queued run with a fresh ID. Callers validate params first.
func NewRun(p NewRunParams, now time.Time) BackgroundRun {
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryable := true
	if p.Retryable != nil {
		retryable = *p.Retryable
	}
	return BackgroundRun{
		ID:             uuid.New(),
		ProjectID:      p.ProjectID,
		UserID:         p.UserID,
		RunType:        p.RunType,
		Status:         RunStatusQueued,
		Input:          p.Input,
		Metadata:       p.Metadata,
		IdempotencyKey: p.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		Retryable:      retryable,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
