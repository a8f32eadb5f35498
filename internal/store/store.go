// Package store holds the backend-independent contract of the background run
// table: sentinel errors, the transition record used for compare-and-swap
// updates, and the degraded-mode classifier.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

var ErrNotFound = errors.New("store: run not found")

// ErrStatusTransitionDenied is returned when a conditional update matched no
// row: the run left the expected status, or another attempt now owns it.
var ErrStatusTransitionDenied = errors.New("store: status transition denied")

// Transition is a compare-and-swap on (RunID, From, ExpectedAttempt).
type Transition struct {
	RunID           uuid.UUID
	From            domain.RunStatus
	ExpectedAttempt int

	To         domain.RunStatus
	Progress   *int // nil leaves progress untouched
	Error      string
	FinishedAt *time.Time
	ClearLease bool            // reset started_at
	Metadata   json.RawMessage // merged into the stored metadata when non-empty

	At time.Time
}

// RunFilter selects runs for listing. Zero fields match everything.
type RunFilter struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Status    domain.RunStatus
}

// IntPtr is a convenience for Transition.Progress.
func IntPtr(v int) *int {
	return &v
}

// MergeMetadata overlays the top-level keys of patch onto base. Invalid or
// non-object inputs are treated as empty.
func MergeMetadata(base, patch json.RawMessage) json.RawMessage {
	if len(patch) == 0 {
		return base
	}
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		_ = json.Unmarshal(base, &merged)
		if merged == nil {
			merged = map[string]json.RawMessage{}
		}
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return base
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}
