// Package sqlite implements the background run store on an embedded SQLite
// database. It backs single-node deployments and the integration tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

//go:embed schema.sql
var schema string

// claimRounds bounds how often a claim re-reads candidates after losing
// compare-and-swap races to another claimer.
const claimRounds = 3

// Open opens a SQLite database at path with a busy timeout, limited to a
// single connection so writers serialize instead of failing with SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Store implements the background run store on SQLite.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// CreateRun inserts a queued run, returning the existing row with
// deduplicated=true on an idempotency key collision.
func (s *Store) CreateRun(ctx context.Context, run domain.BackgroundRun) (domain.BackgroundRun, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertRun,
		run.ID.String(),
		run.ProjectID.String(),
		run.UserID.String(),
		run.RunType,
		string(run.Status),
		run.Progress,
		jsonParam(run.Input),
		jsonParam(run.Metadata),
		nullString(run.IdempotencyKey),
		run.AttemptCount,
		run.MaxAttempts,
		run.Retryable,
		run.CancelRequested,
		run.LastError,
		millis(run.CreatedAt),
		millis(run.UpdatedAt),
	)
	if err == nil {
		return run, false, nil
	}
	if !isUniqueViolation(err) || run.IdempotencyKey == "" {
		return domain.BackgroundRun{}, false, store.Classify(err)
	}

	existing, err := scanRun(s.db.QueryRowContext(ctx, queryGetRunByIdempotencyKey,
		run.ProjectID.String(), run.UserID.String(), run.RunType, run.IdempotencyKey))
	if err != nil {
		return domain.BackgroundRun{}, false, fmt.Errorf("load deduplicated run: %w", s.classify(err))
	}
	return existing, true, nil
}

func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryGetRun, runID.String()))
	if err != nil {
		return domain.BackgroundRun{}, s.classify(err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter, limit, offset int) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	if filter.ProjectID != uuid.Nil {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.ProjectID.String())
	}
	if filter.UserID != uuid.Nil {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID.String())
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := "SELECT" + runColumns + "\nFROM background_runs"
	if len(conds) > 0 {
		q += "\nWHERE " + strings.Join(conds, " AND ")
	}
	q += "\nORDER BY created_at DESC, rowid DESC\nLIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Classify(err)
	}
	return collectRuns(rows)
}

// CancelQueuedRuns finalizes queued runs that were asked to cancel before any
// dispatcher claimed them.
func (s *Store) CancelQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.candidates(ctx, "status = 'queued' AND cancel_requested = 1", scope, limit, "created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	var result []domain.BackgroundRun
	for _, id := range ids {
		run, err := scanRun(s.db.QueryRowContext(ctx, queryCancelRun, millis(now), millis(now), id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return result, store.Classify(err)
		}
		result = append(result, run)
	}
	return result, nil
}

// ClaimQueuedRuns moves up to limit queued runs to running, oldest first.
// Each row is claimed with its own compare-and-swap on status, so concurrent
// claimers never receive the same run.
func (s *Store) ClaimQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var claimed []domain.BackgroundRun
	for round := 0; round < claimRounds && len(claimed) < limit; round++ {
		ids, err := s.candidates(ctx,
			"status = 'queued' AND cancel_requested = 0 AND attempt_count < max_attempts",
			scope, limit-len(claimed), "created_at ASC, rowid ASC")
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		lost := 0
		for _, id := range ids {
			run, err := scanRun(s.db.QueryRowContext(ctx, queryClaimRun, millis(now), millis(now), id))
			if errors.Is(err, sql.ErrNoRows) {
				lost++
				continue
			}
			if err != nil {
				return claimed, store.Classify(err)
			}
			claimed = append(claimed, run)
		}
		if lost == 0 {
			break
		}
	}
	return claimed, nil
}

// TransitionRun applies t as a compare-and-swap on (id, status, attempt_count).
func (s *Store) TransitionRun(ctx context.Context, t store.Transition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var progress any
	if t.Progress != nil {
		progress = clampProgress(*t.Progress)
	}
	var finished any
	if t.FinishedAt != nil {
		finished = millis(*t.FinishedAt)
	}
	var meta any
	if len(t.Metadata) > 0 {
		merged, err := s.mergedMetadata(ctx, t)
		if err != nil {
			return err
		}
		meta = string(merged)
	}

	result, err := s.db.ExecContext(ctx, queryTransitionRun,
		string(t.To),
		progress,
		t.Error,
		finished,
		t.ClearLease,
		meta,
		millis(t.At),
		t.RunID.String(),
		string(t.From),
		t.ExpectedAttempt,
	)
	if err != nil {
		return store.Classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStatusTransitionDenied
	}
	return nil
}

// mergedMetadata overlays t.Metadata onto the stored metadata of the attempt
// t expects. The attempt count only grows, so the update that follows either
// hits the row that was read or misses the fence.
func (s *Store) mergedMetadata(ctx context.Context, t store.Transition) (json.RawMessage, error) {
	var current sql.NullString
	err := s.db.QueryRowContext(ctx, queryRunMetadata, t.RunID.String(), string(t.From), t.ExpectedAttempt).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrStatusTransitionDenied
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	var base json.RawMessage
	if current.Valid {
		base = json.RawMessage(current.String)
	}
	if len(base) == 0 {
		base = json.RawMessage(`{}`)
	}
	return store.MergeMetadata(base, t.Metadata), nil
}

func (s *Store) UpdateProgress(ctx context.Context, runID uuid.UUID, attempt, progress int, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateProgress, clampProgress(progress), millis(at), runID.String(), attempt)
	if err != nil {
		return store.Classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStatusTransitionDenied
	}
	return nil
}

func (s *Store) IsCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var requested bool
	if err := s.db.QueryRowContext(ctx, queryIsCancelRequested, runID.String()).Scan(&requested); err != nil {
		return false, s.classify(err)
	}
	return requested, nil
}

func (s *Store) RequestCancel(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryRequestCancel, millis(at), runID.String()))
	if err != nil {
		return domain.BackgroundRun{}, s.classify(err)
	}
	return run, nil
}

// ListRunningRuns returns running runs, oldest lease first. Runs without a
// start time sort before everything else.
func (s *Store) ListRunningRuns(ctx context.Context, scope domain.Scope, limit int) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := scopeClause("status = 'running'", scope)
	q := "SELECT" + runColumns + "\nFROM background_runs\nWHERE " + where +
		"\nORDER BY started_at IS NOT NULL, started_at ASC\nLIMIT ?"
	rows, err := s.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, store.Classify(err)
	}
	return collectRuns(rows)
}

// RequeueRun puts a failed or cancelled run back in the queue. Returns
// store.ErrStatusTransitionDenied when the guard does not match.
func (s *Store) RequeueRun(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryRequeueRun, millis(at), runID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackgroundRun{}, store.ErrStatusTransitionDenied
	}
	if err != nil {
		return domain.BackgroundRun{}, store.Classify(err)
	}
	return run, nil
}

// candidates reads ids matching base within scope. The rows are closed before
// returning so the single connection is free for the per-row updates.
func (s *Store) candidates(ctx context.Context, base string, scope domain.Scope, limit int, order string) ([]string, error) {
	where, args := scopeClause(base, scope)
	q := "SELECT id FROM background_runs WHERE " + where + " ORDER BY " + order + " LIMIT ?"
	rows, err := s.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return ids, nil
}

func scopeClause(base string, scope domain.Scope) (string, []any) {
	where := base
	var args []any
	if scope.RunID != uuid.Nil {
		where += " AND id = ?"
		args = append(args, scope.RunID.String())
	}
	if scope.ProjectID != uuid.Nil {
		where += " AND project_id = ?"
		args = append(args, scope.ProjectID.String())
	}
	if scope.UserID != uuid.Nil {
		where += " AND user_id = ?"
		args = append(args, scope.UserID.String())
	}
	return where, args
}

func (s *Store) classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Classify(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.BackgroundRun, error) {
	var (
		run                  domain.BackgroundRun
		id, project, user    string
		status               string
		input, meta          sql.NullString
		idempotencyKey       sql.NullString
		startedAt, finished  sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&id,
		&project,
		&user,
		&run.RunType,
		&status,
		&run.Progress,
		&input,
		&meta,
		&idempotencyKey,
		&run.AttemptCount,
		&run.MaxAttempts,
		&run.Retryable,
		&run.CancelRequested,
		&run.LastError,
		&startedAt,
		&finished,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.BackgroundRun{}, err
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return domain.BackgroundRun{}, fmt.Errorf("parse run id: %w", err)
	}
	if run.ProjectID, err = uuid.Parse(project); err != nil {
		return domain.BackgroundRun{}, fmt.Errorf("parse project id: %w", err)
	}
	if run.UserID, err = uuid.Parse(user); err != nil {
		return domain.BackgroundRun{}, fmt.Errorf("parse user id: %w", err)
	}
	run.Status = domain.RunStatus(status)
	if input.Valid && input.String != "" {
		run.Input = json.RawMessage(input.String)
	}
	if meta.Valid && meta.String != "" {
		run.Metadata = json.RawMessage(meta.String)
	}
	run.IdempotencyKey = idempotencyKey.String
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		run.StartedAt = &t
	}
	if finished.Valid {
		t := fromMillis(finished.Int64)
		run.FinishedAt = &t
	}
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]domain.BackgroundRun, error) {
	defer rows.Close()

	var result []domain.BackgroundRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
