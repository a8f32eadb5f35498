package postgres

const runColumns = `
    id, project_id, user_id, run_type, status, progress, input, metadata,
    idempotency_key, attempt_count, max_attempts, retryable, cancel_requested,
    last_error, started_at, finished_at, created_at, updated_at`

const runColumnsR = `
    r.id, r.project_id, r.user_id, r.run_type, r.status, r.progress, r.input, r.metadata,
    r.idempotency_key, r.attempt_count, r.max_attempts, r.retryable, r.cancel_requested,
    r.last_error, r.started_at, r.finished_at, r.created_at, r.updated_at`

const queryInsertRun = `
INSERT INTO background_runs (
    id, project_id, user_id, run_type, status, progress, input, metadata,
    idempotency_key, attempt_count, max_attempts, retryable, cancel_requested,
    last_error, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16)
`

const queryGetRunByIdempotencyKey = `
SELECT` + runColumns + `
FROM background_runs
WHERE project_id = $1
  AND user_id = $2
  AND run_type = $3
  AND idempotency_key = $4
`

const queryGetRun = `
SELECT` + runColumns + `
FROM background_runs
WHERE id = $1
`

const queryListRuns = `
SELECT` + runColumns + `
FROM background_runs
WHERE ($1::uuid IS NULL OR project_id = $1::uuid)
  AND ($2::uuid IS NULL OR user_id = $2::uuid)
  AND ($3::text IS NULL OR status = $3::text)
ORDER BY created_at DESC
LIMIT $4 OFFSET $5
`

// queryCancelQueuedRuns finalizes queued runs whose cancellation was requested
// before any dispatcher picked them up.
const queryCancelQueuedRuns = `
WITH picked AS (
    SELECT id FROM background_runs
    WHERE status = 'queued'
      AND cancel_requested = TRUE
      AND ($1::uuid IS NULL OR id = $1::uuid)
      AND ($2::uuid IS NULL OR project_id = $2::uuid)
      AND ($3::uuid IS NULL OR user_id = $3::uuid)
    ORDER BY created_at ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE background_runs r
SET status = 'cancelled', finished_at = $5, updated_at = $5
FROM picked
WHERE r.id = picked.id
  AND r.status = 'queued'
RETURNING` + runColumnsR

// queryClaimQueuedRuns is the claim: rows locked by a concurrent claimer are
// skipped, and the status guard in the UPDATE keeps the transition a
// compare-and-swap even without the lock.
const queryClaimQueuedRuns = `
WITH picked AS (
    SELECT id FROM background_runs
    WHERE status = 'queued'
      AND cancel_requested = FALSE
      AND attempt_count < max_attempts
      AND ($1::uuid IS NULL OR id = $1::uuid)
      AND ($2::uuid IS NULL OR project_id = $2::uuid)
      AND ($3::uuid IS NULL OR user_id = $3::uuid)
    ORDER BY created_at ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE background_runs r
SET status = 'running',
    attempt_count = r.attempt_count + 1,
    started_at = $5,
    finished_at = NULL,
    updated_at = $5
FROM picked
WHERE r.id = picked.id
  AND r.status = 'queued'
RETURNING` + runColumnsR

const queryTransitionRun = `
UPDATE background_runs
SET status = $4,
    progress = COALESCE($5, progress),
    last_error = $6,
    finished_at = $7,
    started_at = CASE WHEN $8 THEN NULL ELSE started_at END,
    metadata = CASE
        WHEN $9::jsonb IS NULL THEN metadata
        ELSE COALESCE(metadata, '{}'::jsonb) || $9::jsonb
    END,
    updated_at = $10
WHERE id = $1
  AND status = $2
  AND attempt_count = $3
`

const queryUpdateProgress = `
UPDATE background_runs
SET progress = GREATEST(progress, $3), updated_at = $4
WHERE id = $1
  AND status = 'running'
  AND attempt_count = $2
`

const queryIsCancelRequested = `
SELECT cancel_requested FROM background_runs WHERE id = $1
`

const queryRequestCancel = `
UPDATE background_runs
SET cancel_requested = TRUE, updated_at = $2
WHERE id = $1
RETURNING` + runColumns

const queryListRunningRuns = `
SELECT` + runColumns + `
FROM background_runs
WHERE status = 'running'
  AND ($1::uuid IS NULL OR id = $1::uuid)
  AND ($2::uuid IS NULL OR project_id = $2::uuid)
  AND ($3::uuid IS NULL OR user_id = $3::uuid)
ORDER BY started_at ASC NULLS FIRST
LIMIT $4
`

const queryRequeueRun = `
UPDATE background_runs
SET status = 'queued',
    cancel_requested = FALSE,
    progress = 0,
    started_at = NULL,
    finished_at = NULL,
    updated_at = $2
WHERE id = $1
  AND status IN ('failed', 'cancelled')
  AND retryable = TRUE
  AND attempt_count < max_attempts
RETURNING` + runColumns
