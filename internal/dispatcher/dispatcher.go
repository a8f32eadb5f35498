package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

var tracer = otel.Tracer("github.com/RedBackRubbish/torbit-sub007/internal/dispatcher")

const (
	// DefaultRunTimeout bounds a single executor call.
	DefaultRunTimeout = 5 * time.Minute

	// recordTimeout bounds the store write that records an outcome. It runs
	// detached from the caller's cancellation so a finished run is not left
	// running because the request went away.
	recordTimeout = 10 * time.Second
)

type Store interface {
	CancelQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error)
	ClaimQueuedRuns(ctx context.Context, scope domain.Scope, limit int, now time.Time) ([]domain.BackgroundRun, error)
	// TransitionRun must be a compare-and-swap on (id, status, attempt) and
	// return store.ErrStatusTransitionDenied when nothing matched.
	TransitionRun(ctx context.Context, t store.Transition) error
	UpdateProgress(ctx context.Context, runID uuid.UUID, attempt, progress int, at time.Time) error
	IsCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error)
}

// ArtifactStore archives executor output and returns a URI for it.
type ArtifactStore interface {
	Put(ctx context.Context, run domain.BackgroundRun, output []byte, contentType string) (string, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.RunEvent) error
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DispatchCompleted(duration time.Duration, claimed int, degraded bool)
	RunOutcome(runType, status string)
	RunExecutionObserve(runType string, duration time.Duration)
	RunsInFlightIncr()
	RunsInFlightDecr()
}

// Result is the outcome of one Dispatch call. Processed counts claimed runs
// only; runs finalized because of a pending cancellation appear in Outcomes
// but not in Processed.
type Result struct {
	Processed int
	Outcomes  []domain.DispatchOutcome
	Degraded  bool
	Notice    string
}

type Dispatcher struct {
	store     Store
	executors *Registry
	artifacts ArtifactStore // optional, nil = disabled
	events    EventEmitter  // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	timeout   time.Duration
	clock     func() time.Time
}

func New(store Store, executors *Registry) *Dispatcher {
	return &Dispatcher{
		store:     store,
		executors: executors,
		timeout:   DefaultRunTimeout,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTimeout sets the ceiling for a single executor call.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

func (d *Dispatcher) WithArtifacts(a ArtifactStore) *Dispatcher {
	d.artifacts = a
	return d
}

func (d *Dispatcher) WithEvents(e EventEmitter) *Dispatcher {
	d.events = e
	return d
}

// WithClock replaces the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.clock = now
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Dispatch claims up to limit queued runs matching scope, oldest first, and
// executes them one after another. Executor failures are recorded on the runs
// and in the outcomes; the returned error is reserved for store failures.
// A store that is not provisioned yields a degraded result and no error.
func (d *Dispatcher) Dispatch(ctx context.Context, scope domain.Scope, limit int) (Result, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("runkeeper.limit", limit),
		attribute.String("runkeeper.scope.run_id", uuidAttr(scope.RunID)),
		attribute.String("runkeeper.scope.project_id", uuidAttr(scope.ProjectID)),
	)

	start := d.clock()
	var result Result
	if limit <= 0 {
		return result, nil
	}

	cancelled, err := d.store.CancelQueuedRuns(ctx, scope, limit, start)
	if err != nil {
		return d.storeFailure(span, start, "cancel queued runs", err)
	}
	for _, run := range cancelled {
		log.Printf("dispatcher: run=%s cancelled before execution", run.ID)
		d.recordOutcome(run.RunType, domain.RunStatusCancelled)
		d.emit(ctx, domain.NewRunEvent(run, domain.RunStatusCancelled, "", start))
		result.Outcomes = append(result.Outcomes, domain.DispatchOutcome{
			RunID:          run.ID,
			RunType:        run.RunType,
			PreviousStatus: domain.RunStatusQueued,
			NewStatus:      domain.RunStatusCancelled,
			AttemptCount:   run.AttemptCount,
		})
	}

	runs, err := d.store.ClaimQueuedRuns(ctx, scope, limit, d.clock())
	if err != nil {
		return d.storeFailure(span, start, "claim queued runs", err)
	}
	result.Processed = len(runs)
	span.SetAttributes(attribute.Int("runkeeper.claimed", len(runs)))

	for i, run := range runs {
		if ctx.Err() != nil {
			// Shutdown: give back what was claimed but not started.
			for _, rest := range runs[i:] {
				result.Outcomes = append(result.Outcomes, d.release(ctx, rest, ctx.Err()))
			}
			break
		}
		result.Outcomes = append(result.Outcomes, d.execute(ctx, run))
	}

	if d.metrics != nil {
		d.metrics.DispatchCompleted(d.clock().Sub(start), result.Processed, false)
	}
	return result, nil
}

func (d *Dispatcher) storeFailure(span trace.Span, start time.Time, op string, err error) (Result, error) {
	if store.IsUnavailable(err) {
		notice := fmt.Sprintf("background run store unavailable: %v", err)
		log.Printf("dispatcher: degraded: %s", notice)
		span.SetAttributes(attribute.Bool("runkeeper.degraded", true))
		if d.metrics != nil {
			d.metrics.DispatchCompleted(d.clock().Sub(start), 0, true)
		}
		return Result{Degraded: true, Notice: notice}, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return Result{}, fmt.Errorf("%s: %w", op, err)
}

func (d *Dispatcher) execute(ctx context.Context, run domain.BackgroundRun) domain.DispatchOutcome {
	ctx, span := tracer.Start(ctx, "dispatcher.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("runkeeper.run_id", run.ID.String()),
		attribute.String("runkeeper.run_type", run.RunType),
		attribute.Int("runkeeper.attempt", run.AttemptCount),
	)

	start := d.clock()
	res, execErr := d.invoke(ctx, run)
	elapsed := d.clock().Sub(start)
	if d.metrics != nil {
		d.metrics.RunExecutionObserve(run.RunType, elapsed)
	}

	var outcome domain.DispatchOutcome
	if execErr == nil {
		outcome = d.succeed(ctx, run, res)
	} else {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "executor failed")
		outcome = d.fail(ctx, run, execErr)
	}
	outcome.Duration = elapsed
	span.SetAttributes(attribute.String("runkeeper.new_status", string(outcome.NewStatus)))
	return outcome
}

// invoke runs the executor under the per-run ceiling. A panicking executor is
// treated as a failed attempt.
func (d *Dispatcher) invoke(ctx context.Context, run domain.BackgroundRun) (res ExecResult, err error) {
	exec, ok := d.executors.Lookup(run.RunType)
	if !ok {
		return ExecResult{}, Permanent(fmt.Errorf("no executor registered for run type %q", run.RunType))
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.metrics != nil {
		d.metrics.RunsInFlightIncr()
		defer d.metrics.RunsInFlightDecr()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()

	res, err = exec.Execute(runCtx, run, &runHandle{d: d, run: run})
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("execution exceeded %s: %w", d.timeout, err)
	}
	return res, err
}

func (d *Dispatcher) succeed(ctx context.Context, run domain.BackgroundRun, res ExecResult) domain.DispatchOutcome {
	meta := res.Metadata
	if d.artifacts != nil && len(res.Output) > 0 {
		uri, err := d.artifacts.Put(ctx, run, res.Output, res.ContentType)
		if err != nil {
			log.Printf("dispatcher: run=%s artifact upload failed: %v", run.ID, err)
		} else {
			meta = store.MergeMetadata(meta, artifactMetadata(uri))
		}
	}

	now := d.clock()
	return d.transition(ctx, run, store.Transition{
		RunID:           run.ID,
		From:            domain.RunStatusRunning,
		ExpectedAttempt: run.AttemptCount,
		To:              domain.RunStatusSucceeded,
		Progress:        store.IntPtr(100),
		FinishedAt:      &now,
		Metadata:        meta,
		At:              now,
	}, "")
}

func (d *Dispatcher) fail(ctx context.Context, run domain.BackgroundRun, execErr error) domain.DispatchOutcome {
	msg := execErr.Error()
	now := d.clock()
	t := store.Transition{
		RunID:           run.ID,
		From:            domain.RunStatusRunning,
		ExpectedAttempt: run.AttemptCount,
		Error:           msg,
		At:              now,
	}

	switch {
	case d.cancelObserved(ctx, run, execErr):
		t.To = domain.RunStatusCancelled
		t.FinishedAt = &now
	case !IsPermanent(execErr) && run.CanRequeue():
		t.To = domain.RunStatusQueued
		t.ClearLease = true
		log.Printf("dispatcher: run=%s attempt=%d/%d failed, requeueing: %v",
			run.ID, run.AttemptCount, run.MaxAttempts, execErr)
	default:
		t.To = domain.RunStatusFailed
		t.FinishedAt = &now
		log.Printf("dispatcher: run=%s attempt=%d/%d failed permanently: %v",
			run.ID, run.AttemptCount, run.MaxAttempts, execErr)
	}
	return d.transition(ctx, run, t, msg)
}

// cancelObserved reports whether a failed attempt should end as cancelled.
func (d *Dispatcher) cancelObserved(ctx context.Context, run domain.BackgroundRun, execErr error) bool {
	if errors.Is(execErr, ErrRunCancelled) {
		return true
	}
	rctx, cancel := detached(ctx)
	defer cancel()
	requested, err := d.store.IsCancelRequested(rctx, run.ID)
	if err != nil {
		log.Printf("dispatcher: run=%s cancel check failed: %v", run.ID, err)
		return false
	}
	return requested
}

// release hands a claimed run that was never executed back under the normal
// failure policy.
func (d *Dispatcher) release(ctx context.Context, run domain.BackgroundRun, cause error) domain.DispatchOutcome {
	return d.fail(ctx, run, fmt.Errorf("dispatch interrupted before execution: %w", cause))
}

// transition records t and builds the outcome. A denied transition means the
// watchdog reclaimed the lease while we were executing; the newer attempt
// owns the row and this result is dropped.
func (d *Dispatcher) transition(ctx context.Context, run domain.BackgroundRun, t store.Transition, errMsg string) domain.DispatchOutcome {
	outcome := domain.DispatchOutcome{
		RunID:          run.ID,
		RunType:        run.RunType,
		PreviousStatus: domain.RunStatusRunning,
		NewStatus:      t.To,
		AttemptCount:   run.AttemptCount,
		Error:          errMsg,
	}

	rctx, cancel := detached(ctx)
	defer cancel()
	if err := d.store.TransitionRun(rctx, t); err != nil {
		if errors.Is(err, store.ErrStatusTransitionDenied) {
			log.Printf("dispatcher: run=%s attempt=%d lease lost, %s result discarded", run.ID, run.AttemptCount, t.To)
			outcome.NewStatus = domain.RunStatusRunning
			outcome.Error = "lease lost: " + err.Error()
			return outcome
		}
		log.Printf("dispatcher: run=%s failed to record %s: %v", run.ID, t.To, err)
		outcome.NewStatus = domain.RunStatusRunning
		outcome.Error = fmt.Sprintf("record %s: %v", t.To, err)
		return outcome
	}

	d.recordOutcome(run.RunType, t.To)
	d.emit(ctx, domain.NewRunEvent(run, t.To, errMsg, t.At))
	return outcome
}

func (d *Dispatcher) recordOutcome(runType string, status domain.RunStatus) {
	if d.metrics != nil {
		d.metrics.RunOutcome(runType, string(status))
	}
}

func (d *Dispatcher) emit(ctx context.Context, event domain.RunEvent) {
	if d.events == nil {
		return
	}
	if err := d.events.Emit(ctx, event); err != nil {
		log.Printf("dispatcher: run=%s event emit failed: %v", event.RunID, err)
	}
}

// detached returns a context for bookkeeping writes that survives the caller
// going away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func artifactMetadata(uri string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"artifact_uri": uri})
	return b
}

func uuidAttr(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

type runHandle struct {
	d   *Dispatcher
	run domain.BackgroundRun
}

func (h *runHandle) ReportProgress(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return h.d.store.UpdateProgress(ctx, h.run.ID, h.run.AttemptCount, pct, h.d.clock())
}

func (h *runHandle) CancelRequested(ctx context.Context) (bool, error) {
	return h.d.store.IsCancelRequested(ctx, h.run.ID)
}
