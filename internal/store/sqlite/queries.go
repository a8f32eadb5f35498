package sqlite

// Timestamps are stored as unix milliseconds.

const runColumns = `
    id, project_id, user_id, run_type, status, progress, input, metadata,
    idempotency_key, attempt_count, max_attempts, retryable, cancel_requested,
    last_error, started_at, finished_at, created_at, updated_at`

const queryInsertRun = `
INSERT INTO background_runs (
    id, project_id, user_id, run_type, status, progress, input, metadata,
    idempotency_key, attempt_count, max_attempts, retryable, cancel_requested,
    last_error, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryGetRunByIdempotencyKey = `
SELECT` + runColumns + `
FROM background_runs
WHERE project_id = ? AND user_id = ? AND run_type = ? AND idempotency_key = ?
`

const queryGetRun = `
SELECT` + runColumns + `
FROM background_runs
WHERE id = ?
`

const queryClaimRun = `
UPDATE background_runs
SET status = 'running',
    attempt_count = attempt_count + 1,
    started_at = ?,
    finished_at = NULL,
    updated_at = ?
WHERE id = ?
  AND status = 'queued'
  AND cancel_requested = 0
  AND attempt_count < max_attempts
RETURNING` + runColumns

const queryCancelRun = `
UPDATE background_runs
SET status = 'cancelled', finished_at = ?, updated_at = ?
WHERE id = ?
  AND status = 'queued'
  AND cancel_requested = 1
RETURNING` + runColumns

const queryTransitionRun = `
UPDATE background_runs
SET status = ?,
    progress = COALESCE(?, progress),
    last_error = ?,
    finished_at = ?,
    started_at = CASE WHEN ? THEN NULL ELSE started_at END,
    metadata = COALESCE(?, metadata),
    updated_at = ?
WHERE id = ?
  AND status = ?
  AND attempt_count = ?
`

// json_patch follows RFC 7396 (nested merge, null deletes), so metadata
// patches are merged in Go with the same top-level overlay as Postgres ||.
const queryRunMetadata = `
SELECT metadata FROM background_runs
WHERE id = ?
  AND status = ?
  AND attempt_count = ?
`

const queryUpdateProgress = `
UPDATE background_runs
SET progress = MAX(progress, ?), updated_at = ?
WHERE id = ?
  AND status = 'running'
  AND attempt_count = ?
`

const queryIsCancelRequested = `
SELECT cancel_requested FROM background_runs WHERE id = ?
`

const queryRequestCancel = `
UPDATE background_runs
SET cancel_requested = 1, updated_at = ?
WHERE id = ?
RETURNING` + runColumns

const queryRequeueRun = `
UPDATE background_runs
SET status = 'queued',
    cancel_requested = 0,
    progress = 0,
    started_at = NULL,
    finished_at = NULL,
    updated_at = ?
WHERE id = ?
  AND status IN ('failed', 'cancelled')
  AND retryable = 1
  AND attempt_count < max_attempts
RETURNING` + runColumns
