package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunEvent is emitted after a committed status transition.
type RunEvent struct {
	RunID     uuid.UUID
	ProjectID uuid.UUID
	UserID    uuid.UUID
	RunType   string

	Status       RunStatus
	AttemptCount int
	Error        string

	OccurredAt time.Time
}

func NewRunEvent(run BackgroundRun, status RunStatus, errMsg string, at time.Time) RunEvent {
	return RunEvent{
		RunID:        run.ID,
		ProjectID:    run.ProjectID,
		UserID:       run.UserID,
		RunType:      run.RunType,
		Status:       status,
		AttemptCount: run.AttemptCount,
		Error:        errMsg,
		OccurredAt:   at,
	}
}
