package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRunStatus_Values(t *testing.T) {
	tests := []struct {
		status   RunStatus
		want     string
		terminal bool
	}{
		{RunStatusQueued, "queued", false},
		{RunStatusRunning, "running", false},
		{RunStatusSucceeded, "succeeded", true},
		{RunStatusFailed, "failed", true},
		{RunStatusCancelled, "cancelled", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("RunStatus = %q, want %q", tt.status, tt.want)
			}
			if tt.status.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", tt.status.IsTerminal(), tt.terminal)
			}
			if !tt.status.Valid() {
				t.Errorf("Valid() = false for %q", tt.status)
			}
		})
	}

	if RunStatus("paused").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestNormalizeIdempotencyKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"empty", "", "", false},
		{"whitespace only", "   ", "", false},
		{"exact minimum", "abc12345", "abc12345", false},
		{"trimmed", "  abc12345  ", "abc12345", false},
		{"too short after trim", " abc1234 ", "", true},
		{"maximum", strings.Repeat("k", 128), strings.Repeat("k", 128), false},
		{"too long", strings.Repeat("k", 129), "", true},
		{"multibyte counts characters", "éééé", "", true},
		{"multibyte minimum", "éééééééé", "éééééééé", false},
		{"multibyte maximum", strings.Repeat("é", 128), strings.Repeat("é", 128), false},
		{"multibyte too long", strings.Repeat("é", 129), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIdempotencyKey(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackgroundRun_IsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-700 * time.Second)

	run := BackgroundRun{Status: RunStatusRunning, StartedAt: &started}
	if !run.IsStale(now, 600*time.Second) {
		t.Error("run started 700s ago should be stale at 600s")
	}
	if run.IsStale(now, 800*time.Second) {
		t.Error("run started 700s ago should not be stale at 800s")
	}

	run.StartedAt = nil
	if !run.IsStale(now, time.Hour) {
		t.Error("running run without lease marker should be stale")
	}

	run.Status = RunStatusQueued
	if run.IsStale(now, time.Second) {
		t.Error("queued run is never stale")
	}
}

func TestBackgroundRun_CanRequeue(t *testing.T) {
	run := BackgroundRun{Retryable: true, AttemptCount: 2, MaxAttempts: 3}
	if !run.CanRequeue() {
		t.Error("expected requeue allowed with attempts remaining")
	}
	run.AttemptCount = 3
	if run.CanRequeue() {
		t.Error("expected requeue denied once attempts are exhausted")
	}
	run.AttemptCount = 1
	run.Retryable = false
	if run.CanRequeue() {
		t.Error("expected requeue denied for non-retryable run")
	}
}

func TestScope_Unpinned(t *testing.T) {
	s := Scope{RunID: uuid.New(), ProjectID: uuid.New()}
	u := s.Unpinned()
	if u.RunID != uuid.Nil {
		t.Error("Unpinned should clear RunID")
	}
	if u.ProjectID != s.ProjectID {
		t.Error("Unpinned should keep ProjectID")
	}
}

func TestNewRun_Defaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := NewRun(NewRunParams{
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		RunType:   "generate_app",
	}, now)

	if run.ID == uuid.Nil {
		t.Fatal("expected a generated ID")
	}
	if run.Status != RunStatusQueued {
		t.Errorf("Status = %q, want queued", run.Status)
	}
	if run.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", run.MaxAttempts, DefaultMaxAttempts)
	}
	if !run.Retryable {
		t.Error("Retryable should default to true")
	}
	if run.AttemptCount != 0 || run.Progress != 0 {
		t.Errorf("AttemptCount=%d Progress=%d, want 0/0", run.AttemptCount, run.Progress)
	}
	if !run.CreatedAt.Equal(now) || !run.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v/%v, want %v", run.CreatedAt, run.UpdatedAt, now)
	}
}

func TestNewRun_ExplicitRetryPolicy(t *testing.T) {
	no := false
	run := NewRun(NewRunParams{RunType: "x", MaxAttempts: 7, Retryable: &no}, time.Now())
	if run.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", run.MaxAttempts)
	}
	if run.Retryable {
		t.Error("Retryable should be false")
	}
}

func TestBackgroundRun_CheckManualRetry(t *testing.T) {
	tests := []struct {
		name string
		run  BackgroundRun
		want error
	}{
		{"failed with attempts left", BackgroundRun{Status: RunStatusFailed, AttemptCount: 1, MaxAttempts: 3, Retryable: true}, nil},
		{"cancelled", BackgroundRun{Status: RunStatusCancelled, AttemptCount: 0, MaxAttempts: 3, Retryable: true}, nil},
		{"exhausted beats not retryable", BackgroundRun{Status: RunStatusFailed, AttemptCount: 3, MaxAttempts: 3, Retryable: false}, ErrMaxAttemptsReached},
		{"not retryable", BackgroundRun{Status: RunStatusFailed, AttemptCount: 1, MaxAttempts: 3, Retryable: false}, ErrRunNotRetryable},
		{"running", BackgroundRun{Status: RunStatusRunning, AttemptCount: 1, MaxAttempts: 3, Retryable: true}, ErrRetryInvalidState},
		{"succeeded", BackgroundRun{Status: RunStatusSucceeded, AttemptCount: 1, MaxAttempts: 3, Retryable: true}, ErrRetryInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.run.CheckManualRetry(); !errors.Is(got, tt.want) || (tt.want == nil && got != nil) {
				t.Errorf("CheckManualRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}
