package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

// RunOption customizes a run built by NewRun.
type RunOption func(*domain.BackgroundRun)

// NewRun returns a queued, retryable run with three attempts created at at.
func NewRun(at time.Time, opts ...RunOption) domain.BackgroundRun {
	run := domain.BackgroundRun{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		UserID:      uuid.New(),
		RunType:     "generate_app",
		Status:      domain.RunStatusQueued,
		Input:       json.RawMessage(`{}`),
		MaxAttempts: domain.DefaultMaxAttempts,
		Retryable:   true,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	for _, opt := range opts {
		opt(&run)
	}
	return run
}

func WithRunType(t string) RunOption {
	return func(r *domain.BackgroundRun) { r.RunType = t }
}

func WithOwner(projectID, userID uuid.UUID) RunOption {
	return func(r *domain.BackgroundRun) {
		r.ProjectID = projectID
		r.UserID = userID
	}
}

func WithAttempts(count, max int) RunOption {
	return func(r *domain.BackgroundRun) {
		r.AttemptCount = count
		r.MaxAttempts = max
	}
}

func NotRetryable() RunOption {
	return func(r *domain.BackgroundRun) { r.Retryable = false }
}

func WithCancelRequested() RunOption {
	return func(r *domain.BackgroundRun) { r.CancelRequested = true }
}

func WithIdempotencyKey(key string) RunOption {
	return func(r *domain.BackgroundRun) { r.IdempotencyKey = key }
}

// Running marks the run as claimed at startedAt. A zero startedAt leaves the
// lease marker unset.
func Running(startedAt time.Time) RunOption {
	return func(r *domain.BackgroundRun) {
		r.Status = domain.RunStatusRunning
		if r.AttemptCount == 0 {
			r.AttemptCount = 1
		}
		if !startedAt.IsZero() {
			s := startedAt
			r.StartedAt = &s
		}
	}
}

func WithStatus(s domain.RunStatus) RunOption {
	return func(r *domain.BackgroundRun) { r.Status = s }
}
