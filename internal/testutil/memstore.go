package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

// MemStore is an in-memory background run table with the same conditional
// update semantics as the SQL stores. Set Err to make every call fail.
type MemStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.BackgroundRun
	seq  map[uuid.UUID]int // insertion order, breaks created_at ties

	Err         error
	Transitions []store.Transition // successful transitions, in order
	Denied      []store.Transition
}

func NewMemStore(runs ...domain.BackgroundRun) *MemStore {
	s := &MemStore{
		runs: make(map[uuid.UUID]*domain.BackgroundRun),
		seq:  make(map[uuid.UUID]int),
	}
	for _, r := range runs {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a run without any checks.
func (s *MemStore) Put(run domain.BackgroundRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := run
	if _, ok := s.seq[r.ID]; !ok {
		s.seq[r.ID] = len(s.seq)
	}
	s.runs[r.ID] = &r
}

// Run returns a copy of the stored run, or the zero value.
func (s *MemStore) Run(id uuid.UUID) domain.BackgroundRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return *r
	}
	return domain.BackgroundRun{}
}

func (s *MemStore) CreateRun(ctx context.Context, run domain.BackgroundRun) (domain.BackgroundRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.BackgroundRun{}, false, s.Err
	}
	if run.IdempotencyKey != "" {
		for _, r := range s.runs {
			if r.ProjectID == run.ProjectID && r.UserID == run.UserID &&
				r.RunType == run.RunType && r.IdempotencyKey == run.IdempotencyKey {
				return *r, true, nil
			}
		}
	}
	r := run
	s.seq[r.ID] = len(s.seq)
	s.runs[r.ID] = &r
	return run, false, nil
}

func (s *MemStore) GetRun(ctx context.Context, id uuid.UUID) (domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.BackgroundRun{}, s.Err
	}
	r, ok := s.runs[id]
	if !ok {
		return domain.BackgroundRun{}, store.ErrNotFound
	}
	return *r, nil
}

func (s *MemStore) ListRuns(ctx context.Context, f store.RunFilter, limit, offset int) ([]domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	all := s.sortedLocked(func(r *domain.BackgroundRun) bool {
		return (f.ProjectID == uuid.Nil || r.ProjectID == f.ProjectID) &&
			(f.UserID == uuid.Nil || r.UserID == f.UserID) &&
			(f.Status == "" || r.Status == f.Status)
	})
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemStore) CancelQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.BackgroundRun
	for _, r := range s.sortedLocked(func(r *domain.BackgroundRun) bool {
		return r.Status == domain.RunStatusQueued && r.CancelRequested && inScope(r, scope)
	}) {
		if len(out) == limit {
			break
		}
		stored := s.runs[r.ID]
		stored.Status = domain.RunStatusCancelled
		stored.FinishedAt = timePtr(now)
		stored.UpdatedAt = now
		out = append(out, *stored)
	}
	return out, nil
}

func (s *MemStore) ClaimQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []domain.BackgroundRun
	for _, r := range s.sortedLocked(func(r *domain.BackgroundRun) bool {
		return r.Status == domain.RunStatusQueued && !r.CancelRequested &&
			r.AttemptCount < r.MaxAttempts && inScope(r, scope)
	}) {
		if len(out) == limit {
			break
		}
		stored := s.runs[r.ID]
		stored.Status = domain.RunStatusRunning
		stored.AttemptCount++
		stored.StartedAt = timePtr(now)
		stored.FinishedAt = nil
		stored.UpdatedAt = now
		out = append(out, *stored)
	}
	return out, nil
}

func (s *MemStore) TransitionRun(ctx context.Context, t store.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	r, ok := s.runs[t.RunID]
	if !ok || r.Status != t.From || r.AttemptCount != t.ExpectedAttempt {
		s.Denied = append(s.Denied, t)
		return store.ErrStatusTransitionDenied
	}
	r.Status = t.To
	if t.Progress != nil {
		r.Progress = clamp(*t.Progress)
	}
	r.LastError = t.Error
	if t.FinishedAt != nil {
		r.FinishedAt = timePtr(*t.FinishedAt)
	}
	if t.ClearLease {
		r.StartedAt = nil
	}
	r.Metadata = store.MergeMetadata(r.Metadata, t.Metadata)
	r.UpdatedAt = t.At
	s.Transitions = append(s.Transitions, t)
	return nil
}

func (s *MemStore) UpdateProgress(ctx context.Context, id uuid.UUID, attempt, progress int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	r, ok := s.runs[id]
	if !ok || r.Status != domain.RunStatusRunning || r.AttemptCount != attempt {
		return store.ErrStatusTransitionDenied
	}
	if p := clamp(progress); p > r.Progress {
		r.Progress = p
	}
	r.UpdatedAt = at
	return nil
}

func (s *MemStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	r, ok := s.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return r.CancelRequested, nil
}

func (s *MemStore) RequestCancel(ctx context.Context, id uuid.UUID, at time.Time) (domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.BackgroundRun{}, s.Err
	}
	r, ok := s.runs[id]
	if !ok {
		return domain.BackgroundRun{}, store.ErrNotFound
	}
	r.CancelRequested = true
	r.UpdatedAt = at
	return *r, nil
}

func (s *MemStore) ListRunningRuns(ctx context.Context, scope domain.Scope, limit int) ([]domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	all := s.sortedLocked(func(r *domain.BackgroundRun) bool {
		return r.Status == domain.RunStatusRunning && inScope(r, scope)
	})
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].StartedAt, all[j].StartedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemStore) RequeueRun(ctx context.Context, id uuid.UUID, at time.Time) (domain.BackgroundRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.BackgroundRun{}, s.Err
	}
	r, ok := s.runs[id]
	if !ok {
		return domain.BackgroundRun{}, store.ErrNotFound
	}
	if (r.Status != domain.RunStatusFailed && r.Status != domain.RunStatusCancelled) ||
		!r.Retryable || r.AttemptCount >= r.MaxAttempts {
		return domain.BackgroundRun{}, store.ErrStatusTransitionDenied
	}
	r.Status = domain.RunStatusQueued
	r.CancelRequested = false
	r.Progress = 0
	r.StartedAt = nil
	r.FinishedAt = nil
	r.UpdatedAt = at
	return *r, nil
}

// Migrate is a no-op; the table exists as soon as the store does.
func (s *MemStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// sortedLocked returns copies of matching runs in created_at order.
func (s *MemStore) sortedLocked(match func(*domain.BackgroundRun) bool) []domain.BackgroundRun {
	var out []domain.BackgroundRun
	for _, r := range s.runs {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

func inScope(r *domain.BackgroundRun, scope domain.Scope) bool {
	return (scope.RunID == uuid.Nil || r.ID == scope.RunID) &&
		(scope.ProjectID == uuid.Nil || r.ProjectID == scope.ProjectID) &&
		(scope.UserID == uuid.Nil || r.UserID == scope.UserID)
}

func timePtr(t time.Time) *time.Time { return &t }

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
