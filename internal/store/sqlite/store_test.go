package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, 5*time.Second)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newQueuedRun(projectID, userID uuid.UUID, created time.Time) domain.BackgroundRun {
	return domain.BackgroundRun{
		ID:          uuid.New(),
		ProjectID:   projectID,
		UserID:      userID,
		RunType:     "app_generation",
		Status:      domain.RunStatusQueued,
		Input:       json.RawMessage(`{"prompt":"todo app"}`),
		MaxAttempts: domain.DefaultMaxAttempts,
		Retryable:   true,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestCreateRun_IdempotencyDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	projectID, userID := uuid.New(), uuid.New()

	first := newQueuedRun(projectID, userID, now)
	first.IdempotencyKey = "abc12345"
	created, dedup, err := s.CreateRun(ctx, first)
	require.NoError(t, err)
	assert.False(t, dedup)

	second := newQueuedRun(projectID, userID, now.Add(time.Second))
	second.IdempotencyKey = "abc12345"
	got, dedup, err := s.CreateRun(ctx, second)
	require.NoError(t, err)
	assert.True(t, dedup)
	assert.Equal(t, created.ID, got.ID)

	// Same key for a different user is a separate run.
	other := newQueuedRun(projectID, uuid.New(), now)
	other.IdempotencyKey = "abc12345"
	_, dedup, err = s.CreateRun(ctx, other)
	require.NoError(t, err)
	assert.False(t, dedup)

	runs, err := s.ListRuns(ctx, store.RunFilter{ProjectID: projectID}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestClaimQueuedRuns_FIFOAndScope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	projectID, userID := uuid.New(), uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run := newQueuedRun(projectID, userID, now.Add(time.Duration(i)*time.Second))
		_, _, err := s.CreateRun(ctx, run)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	foreign := newQueuedRun(uuid.New(), userID, now.Add(-time.Hour))
	_, _, err := s.CreateRun(ctx, foreign)
	require.NoError(t, err)

	claimed, err := s.ClaimQueuedRuns(ctx, domain.Scope{ProjectID: projectID}, 2, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
	for _, run := range claimed {
		assert.Equal(t, domain.RunStatusRunning, run.Status)
		assert.Equal(t, 1, run.AttemptCount)
		require.NotNil(t, run.StartedAt)
		assert.True(t, run.StartedAt.Equal(now.Add(time.Minute)))
	}

	got, err := s.GetRun(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
}

func TestClaimQueuedRuns_ConcurrentClaimersNeverShareARun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	projectID, userID := uuid.New(), uuid.New()

	const total = 30
	for i := 0; i < total; i++ {
		_, _, err := s.CreateRun(ctx, newQueuedRun(projectID, userID, now.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimQueuedRuns(ctx, domain.Scope{}, 3, now)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, run := range claimed {
					seen[run.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "run %s claimed %d times", id, n)
	}
}

func TestClaimQueuedRuns_SkipsCancelRequestedAndExhausted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cancelled := newQueuedRun(uuid.New(), uuid.New(), now)
	_, _, err := s.CreateRun(ctx, cancelled)
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, cancelled.ID, now)
	require.NoError(t, err)

	exhausted := newQueuedRun(uuid.New(), uuid.New(), now)
	exhausted.AttemptCount = 3
	_, _, err = s.CreateRun(ctx, exhausted)
	require.NoError(t, err)

	claimed, err := s.ClaimQueuedRuns(ctx, domain.Scope{}, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	finalized, err := s.CancelQueuedRuns(ctx, domain.Scope{}, 10, now)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, cancelled.ID, finalized[0].ID)
	assert.Equal(t, domain.RunStatusCancelled, finalized[0].Status)
	require.NotNil(t, finalized[0].FinishedAt)
}

func TestTransitionRun_AttemptFence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := newQueuedRun(uuid.New(), uuid.New(), now)
	run.Metadata = json.RawMessage(`{"source":"api"}`)
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	claimed, err := s.ClaimQueuedRuns(ctx, domain.Scope{RunID: run.ID}, 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A stale holder of attempt 0 must not finish the run.
	err = s.TransitionRun(ctx, store.Transition{
		RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: 0,
		To: domain.RunStatusSucceeded, At: now,
	})
	assert.ErrorIs(t, err, store.ErrStatusTransitionDenied)

	require.NoError(t, s.UpdateProgress(ctx, run.ID, 1, 40, now))
	require.NoError(t, s.UpdateProgress(ctx, run.ID, 1, 10, now))

	finished := now.Add(time.Minute)
	err = s.TransitionRun(ctx, store.Transition{
		RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: 1,
		To: domain.RunStatusSucceeded, Progress: store.IntPtr(100), FinishedAt: &finished,
		Metadata: json.RawMessage(`{"provider":"primary"}`), At: finished,
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"source":"api","provider":"primary"}`, string(got.Metadata))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
}

func TestTransitionRun_MetadataTopLevelOverlay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := newQueuedRun(uuid.New(), uuid.New(), now)
	run.Metadata = json.RawMessage(`{"source":"api","usage":{"prompt_tokens":10,"cached":true}}`)
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	_, err = s.ClaimQueuedRuns(ctx, domain.Scope{RunID: run.ID}, 1, now)
	require.NoError(t, err)

	// Same result as Postgres jsonb ||: nulls are stored, nested objects
	// replace rather than merge.
	err = s.TransitionRun(ctx, store.Transition{
		RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: 1,
		To:       domain.RunStatusFailed,
		Metadata: json.RawMessage(`{"source":null,"usage":{"completion_tokens":4}}`),
		At:       now,
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":null,"usage":{"completion_tokens":4}}`, string(got.Metadata))
}

func TestTransitionRun_MetadataPatchStillFenced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := newQueuedRun(uuid.New(), uuid.New(), now)
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	err = s.TransitionRun(ctx, store.Transition{
		RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: 1,
		To: domain.RunStatusSucceeded, Metadata: json.RawMessage(`{"provider":"primary"}`), At: now,
	})
	assert.ErrorIs(t, err, store.ErrStatusTransitionDenied)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
	assert.Empty(t, got.Metadata)
}

func TestUpdateProgress_NeverDecreases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := newQueuedRun(uuid.New(), uuid.New(), now)
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	_, err = s.ClaimQueuedRuns(ctx, domain.Scope{RunID: run.ID}, 1, now)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, run.ID, 1, 60, now))
	require.NoError(t, s.UpdateProgress(ctx, run.ID, 1, 20, now))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)

	assert.ErrorIs(t, s.UpdateProgress(ctx, run.ID, 2, 90, now), store.ErrStatusTransitionDenied)
}

func TestRequeueRun_Guards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := newQueuedRun(uuid.New(), uuid.New(), now)
	_, _, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	// Queued runs cannot be requeued.
	_, err = s.RequeueRun(ctx, run.ID, now)
	assert.ErrorIs(t, err, store.ErrStatusTransitionDenied)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimQueuedRuns(ctx, domain.Scope{RunID: run.ID}, 1, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Equal(t, attempt, claimed[0].AttemptCount)

		err = s.TransitionRun(ctx, store.Transition{
			RunID: run.ID, From: domain.RunStatusRunning, ExpectedAttempt: attempt,
			To: domain.RunStatusFailed, Error: "provider timeout", FinishedAt: &now, At: now,
		})
		require.NoError(t, err)

		requeued, err := s.RequeueRun(ctx, run.ID, now)
		if attempt < 3 {
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusQueued, requeued.Status)
			assert.Nil(t, requeued.FinishedAt)
		} else {
			assert.ErrorIs(t, err, store.ErrStatusTransitionDenied)
		}
	}

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, "provider timeout", got.LastError)
}

func TestListRunningRuns_NullStartFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := newQueuedRun(uuid.New(), uuid.New(), now)
	b := newQueuedRun(uuid.New(), uuid.New(), now.Add(time.Second))
	for _, r := range []domain.BackgroundRun{a, b} {
		_, _, err := s.CreateRun(ctx, r)
		require.NoError(t, err)
	}
	_, err := s.ClaimQueuedRuns(ctx, domain.Scope{RunID: a.ID}, 1, now)
	require.NoError(t, err)
	_, err = s.ClaimQueuedRuns(ctx, domain.Scope{RunID: b.ID}, 1, now)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE background_runs SET started_at = NULL WHERE id = ?`, b.ID.String())
	require.NoError(t, err)

	running, err := s.ListRunningRuns(ctx, domain.Scope{}, 10)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, b.ID, running[0].ID)
	assert.Nil(t, running[0].StartedAt)
	assert.Equal(t, a.ID, running[1].ID)
}

func TestMissingTableIsUnavailable(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, 0)

	_, err = s.ClaimQueuedRuns(context.Background(), domain.Scope{}, 5, time.Now())
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))

	_, err = s.GetRun(context.Background(), uuid.New())
	assert.True(t, store.IsUnavailable(err))
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
