package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClock_LeaseAging(t *testing.T) {
	clock := NewFakeClock(t0)
	run := NewRun(t0, Running(clock.Now()))

	if run.IsStale(clock.Advance(10*time.Minute), 10*time.Minute) {
		t.Error("run at exactly the lease length must not be stale")
	}
	if !run.IsStale(clock.Advance(time.Second), 10*time.Minute) {
		t.Error("run past the lease length must be stale")
	}
	if got := clock.Now(); !got.Equal(t0.Add(10*time.Minute + time.Second)) {
		t.Errorf("Now() = %v", got)
	}
}

func TestMemStore_ClaimOrderAndGuards(t *testing.T) {
	older := NewRun(t0)
	newer := NewRun(t0.Add(time.Second))
	cancelled := NewRun(t0.Add(-time.Minute), WithCancelRequested())
	exhausted := NewRun(t0.Add(-time.Minute), WithAttempts(3, 3))
	s := NewMemStore(newer, older, cancelled, exhausted)

	claimed, err := s.ClaimQueuedRuns(context.Background(), domain.Scope{}, 10, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 || claimed[0].ID != older.ID || claimed[1].ID != newer.ID {
		t.Fatalf("claimed %d runs out of created_at order", len(claimed))
	}
	for _, r := range claimed {
		if r.Status != domain.RunStatusRunning || r.AttemptCount != 1 || r.StartedAt == nil {
			t.Errorf("claimed run = %+v", r)
		}
	}

	again, _ := s.ClaimQueuedRuns(context.Background(), domain.Scope{}, 10, t0)
	if len(again) != 0 {
		t.Errorf("second claim returned %d runs", len(again))
	}
}

func TestMemStore_TransitionIsAttemptFenced(t *testing.T) {
	run := NewRun(t0, WithAttempts(1, 3))
	s := NewMemStore(run)
	claimed := MustClaim(t, s, run.ID, t0)
	if claimed.AttemptCount != 2 {
		t.Fatalf("attempt = %d, want 2", claimed.AttemptCount)
	}

	stale := store.Transition{RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: 1, To: domain.RunStatusSucceeded, At: t0}
	if err := s.TransitionRun(context.Background(), stale); !errors.Is(err, store.ErrStatusTransitionDenied) {
		t.Fatalf("stale attempt: err = %v", err)
	}

	done := store.Transition{
		RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: 2,
		To: domain.RunStatusSucceeded, Progress: store.IntPtr(140),
		Metadata: json.RawMessage(`{"provider":null}`), At: t0,
	}
	if err := s.TransitionRun(context.Background(), done); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionRun(context.Background(), done); !errors.Is(err, store.ErrStatusTransitionDenied) {
		t.Errorf("replayed transition: err = %v", err)
	}

	got := s.Run(run.ID)
	if got.Status != domain.RunStatusSucceeded || got.Progress != 100 {
		t.Errorf("run = %+v", got)
	}
	if string(got.Metadata) != `{"provider":null}` {
		t.Errorf("metadata = %s", got.Metadata)
	}
	if len(s.Transitions) != 1 || len(s.Denied) != 2 {
		t.Errorf("transitions=%d denied=%d", len(s.Transitions), len(s.Denied))
	}
}

func TestMemStore_ProgressOnlyForCurrentAttempt(t *testing.T) {
	run := NewRun(t0)
	s := NewMemStore(run)
	MustClaim(t, s, run.ID, t0)
	ctx := context.Background()

	if err := s.UpdateProgress(ctx, run.ID, 1, 60, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(ctx, run.ID, 1, 20, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(ctx, run.ID, 0, 90, t0); !errors.Is(err, store.ErrStatusTransitionDenied) {
		t.Errorf("old attempt: err = %v", err)
	}
	if got := s.Run(run.ID).Progress; got != 60 {
		t.Errorf("progress = %d, want 60", got)
	}
}

func TestMemStore_RequeueGuards(t *testing.T) {
	failed := NewRun(t0, WithStatus(domain.RunStatusFailed), WithAttempts(1, 3), WithCancelRequested())
	exhausted := NewRun(t0, WithStatus(domain.RunStatusFailed), WithAttempts(3, 3))
	running := NewRun(t0, Running(t0))
	s := NewMemStore(failed, exhausted, running)
	ctx := context.Background()

	got, err := s.RequeueRun(ctx, failed.ID, t0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunStatusQueued || got.CancelRequested || got.StartedAt != nil {
		t.Errorf("requeued run = %+v", got)
	}
	for _, id := range []uuid.UUID{exhausted.ID, running.ID} {
		if _, err := s.RequeueRun(ctx, id, t0); !errors.Is(err, store.ErrStatusTransitionDenied) {
			t.Errorf("run %s: err = %v", id, err)
		}
	}
	if _, err := s.RequeueRun(ctx, uuid.New(), t0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing run: err = %v", err)
	}
}

func TestMemStore_IdempotentCreate(t *testing.T) {
	s := NewMemStore()
	first := NewRun(t0, WithIdempotencyKey("order-0042"))
	dup := NewRun(t0, WithOwner(first.ProjectID, first.UserID), WithIdempotencyKey("order-0042"))

	if _, deduplicated, err := s.CreateRun(context.Background(), first); err != nil || deduplicated {
		t.Fatalf("first create: dedup=%v err=%v", deduplicated, err)
	}
	got, deduplicated, err := s.CreateRun(context.Background(), dup)
	if err != nil || !deduplicated || got.ID != first.ID {
		t.Errorf("second create: id=%s dedup=%v err=%v", got.ID, deduplicated, err)
	}
}

func TestMemStore_ErrFailsEveryCall(t *testing.T) {
	s := NewMemStore(NewRun(t0))
	s.Err = &store.UnavailableError{Reason: "connection", Err: errors.New("connection refused")}

	if _, err := s.ListRuns(context.Background(), store.RunFilter{}, 10, 0); !store.IsUnavailable(err) {
		t.Errorf("ListRuns: err = %v", err)
	}
	if err := s.Migrate(context.Background()); !store.IsUnavailable(err) {
		t.Errorf("Migrate: err = %v", err)
	}
}
