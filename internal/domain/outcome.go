package domain

import (
	"time"

	"github.com/google/uuid"
)

// DispatchOutcome describes what one dispatch pass did to one run.
type DispatchOutcome struct {
	RunID   uuid.UUID
	RunType string

	PreviousStatus RunStatus
	NewStatus      RunStatus
	AttemptCount   int

	Error    string
	Duration time.Duration
}

// WatchdogReport tallies a single stale-run recovery pass.
type WatchdogReport struct {
	Scanned   int // running rows examined
	Stale     int // rows past the lease timeout, before the limit cutoff
	Recovered int // Retried + Failed
	Retried   int
	Failed    int
}

func (r *WatchdogReport) Add(other WatchdogReport) {
	r.Scanned += other.Scanned
	r.Stale += other.Stale
	r.Recovered += other.Recovered
	r.Retried += other.Retried
	r.Failed += other.Failed
}
