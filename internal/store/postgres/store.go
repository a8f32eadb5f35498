package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
	"github.com/RedBackRubbish/torbit-sub007/internal/store/postgres/migrations"
)

// Store implements the background run store on PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration // 0 = no per-operation timeout
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateRun inserts a queued run. When the idempotency key collides with an
// existing row in the same (project, user, run type) scope, the existing row
// is returned with deduplicated=true.
func (s *Store) CreateRun(ctx context.Context, run domain.BackgroundRun) (domain.BackgroundRun, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertRun,
		run.ID,
		run.ProjectID,
		run.UserID,
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
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err == nil {
		return run, false, nil
	}
	if !isDuplicateKeyError(err) || run.IdempotencyKey == "" {
		return domain.BackgroundRun{}, false, store.Classify(err)
	}

	existing, err := scanRun(s.db.QueryRowContext(ctx, queryGetRunByIdempotencyKey,
		run.ProjectID, run.UserID, run.RunType, run.IdempotencyKey))
	if err != nil {
		return domain.BackgroundRun{}, false, fmt.Errorf("load deduplicated run: %w", s.classify(err))
	}
	return existing, true, nil
}

// GetRun returns a run by its ID, or store.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryGetRun, runID))
	if err != nil {
		return domain.BackgroundRun{}, s.classify(err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter, limit, offset int) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var status any
	if filter.Status != "" {
		status = string(filter.Status)
	}
	rows, err := s.db.QueryContext(ctx, queryListRuns,
		nullUUID(filter.ProjectID), nullUUID(filter.UserID), status, limit, offset)
	if err != nil {
		return nil, store.Classify(err)
	}
	return collectRuns(rows)
}

// CancelQueuedRuns moves queued runs with a pending cancellation request to
// cancelled and returns them.
func (s *Store) CancelQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryCancelQueuedRuns,
		nullUUID(scope.RunID), nullUUID(scope.ProjectID), nullUUID(scope.UserID), limit, now)
	if err != nil {
		return nil, store.Classify(err)
	}
	return collectRuns(rows)
}

// ClaimQueuedRuns atomically moves up to limit queued runs to running,
// oldest first, stamping started_at and incrementing attempt_count.
// Concurrent callers never receive the same run.
func (s *Store) ClaimQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryClaimQueuedRuns,
		nullUUID(scope.RunID), nullUUID(scope.ProjectID), nullUUID(scope.UserID), limit, now)
	if err != nil {
		return nil, store.Classify(err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// TransitionRun applies t as a compare-and-swap on (id, status, attempt_count).
// Returns store.ErrStatusTransitionDenied when no row matched.
func (s *Store) TransitionRun(ctx context.Context, t store.Transition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryTransitionRun,
		t.RunID,
		string(t.From),
		t.ExpectedAttempt,
		string(t.To),
		t.Progress,
		t.Error,
		t.FinishedAt,
		t.ClearLease,
		jsonParam(t.Metadata),
		t.At,
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

// UpdateProgress raises progress for the given attempt. Lower values are
// ignored so progress never decreases while running.
func (s *Store) UpdateProgress(ctx context.Context, runID uuid.UUID, attempt, progress int, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateProgress, runID, attempt, clampProgress(progress), at)
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
	err := s.db.QueryRowContext(ctx, queryIsCancelRequested, runID).Scan(&requested)
	if err != nil {
		return false, s.classify(err)
	}
	return requested, nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *Store) RequestCancel(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryRequestCancel, runID, at))
	if err != nil {
		return domain.BackgroundRun{}, s.classify(err)
	}
	return run, nil
}

// ListRunningRuns returns running runs, oldest lease first.
func (s *Store) ListRunningRuns(ctx context.Context, scope domain.Scope, limit int) ([]domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListRunningRuns,
		nullUUID(scope.RunID), nullUUID(scope.ProjectID), nullUUID(scope.UserID), limit)
	if err != nil {
		return nil, store.Classify(err)
	}
	return collectRuns(rows)
}

// RequeueRun puts a failed or cancelled run back in the queue for a manual
// retry. Returns store.ErrStatusTransitionDenied when the run is not in a
// retryable terminal state or has no attempts left.
func (s *Store) RequeueRun(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, queryRequeueRun, runID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackgroundRun{}, store.ErrStatusTransitionDenied
	}
	if err != nil {
		return domain.BackgroundRun{}, store.Classify(err)
	}
	return run, nil
}

// Migrate applies embedded migrations that are not yet recorded in
// schema_migrations, in filename order.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
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
		run            domain.BackgroundRun
		status         string
		input, meta    []byte
		idempotencyKey sql.NullString
		startedAt      sql.NullTime
		finishedAt     sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&run.UserID,
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
		&finishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return domain.BackgroundRun{}, err
	}
	run.Status = domain.RunStatus(status)
	if len(input) > 0 {
		run.Input = json.RawMessage(input)
	}
	if len(meta) > 0 {
		run.Metadata = json.RawMessage(meta)
	}
	run.IdempotencyKey = idempotencyKey.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
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

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key")
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

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
