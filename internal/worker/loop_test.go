package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/dispatcher"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
	"github.com/RedBackRubbish/torbit-sub007/internal/testutil"
	"github.com/RedBackRubbish/torbit-sub007/internal/watchdog"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// queueDispatcher pretends a queue of `queued` runs exists.
type queueDispatcher struct {
	mu     sync.Mutex
	queued int
	calls  []dispatchCall
	result *dispatcher.Result
	err    error
}

type dispatchCall struct {
	scope domain.Scope
	limit int
}

func (d *queueDispatcher) Dispatch(ctx context.Context, scope domain.Scope, limit int) (dispatcher.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{scope: scope, limit: limit})
	if d.err != nil {
		return dispatcher.Result{}, d.err
	}
	if d.result != nil {
		return *d.result, nil
	}
	n := limit
	if d.queued < n {
		n = d.queued
	}
	d.queued -= n
	res := dispatcher.Result{Processed: n}
	for i := 0; i < n; i++ {
		res.Outcomes = append(res.Outcomes, domain.DispatchOutcome{RunID: uuid.New(), NewStatus: domain.RunStatusSucceeded})
	}
	return res, nil
}

type stubWatchdog struct {
	report     domain.WatchdogReport
	err        error
	gotLimit   int
	gotStale   time.Duration
	gotScope   domain.Scope
	invocation int
}

func (w *stubWatchdog) RecoverStale(ctx context.Context, scope domain.Scope, staleAfter time.Duration, limit int) (domain.WatchdogReport, error) {
	w.invocation++
	w.gotScope = scope
	w.gotStale = staleAfter
	w.gotLimit = limit
	return w.report, w.err
}

type workerMetrics struct {
	invocations int
	processed   int
	degraded    bool
}

func (m *workerMetrics) WorkerInvocation(d time.Duration, processed, batches int, degraded bool) {
	m.invocations++
	m.processed += processed
	m.degraded = degraded
}

func TestRequest_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   Request
		want Request
	}{
		{"defaults", Request{}, Request{Limit: 10, BatchSize: 5, MaxBatches: 4, StaleAfter: 600 * time.Second}},
		{"clamped high", Request{Limit: 500, BatchSize: 80, MaxBatches: 99, StaleAfter: time.Hour},
			Request{Limit: 100, BatchSize: 50, MaxBatches: 20, StaleAfter: time.Hour}},
		{"stale floor", Request{Limit: 3, BatchSize: 1, MaxBatches: 1, StaleAfter: 5 * time.Second},
			Request{Limit: 3, BatchSize: 1, MaxBatches: 1, StaleAfter: 30 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Normalize(); got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRun_DrainsInBatches(t *testing.T) {
	d := &queueDispatcher{queued: 12}
	w := &stubWatchdog{report: domain.WatchdogReport{Scanned: 2, Stale: 1, Recovered: 1, Retried: 1}}
	m := &workerMetrics{}
	l := New(d, w).WithMetrics(m).WithClock(testutil.NewFakeClock(now).Now)

	report, err := l.Run(testutil.TestContext(t), Request{Limit: 12, BatchSize: 5, MaxBatches: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Processed != 12 || report.Batches != 3 {
		t.Errorf("processed=%d batches=%d, want 12/3", report.Processed, report.Batches)
	}
	wantLimits := []int{5, 5, 2}
	if len(d.calls) != len(wantLimits) {
		t.Fatalf("dispatch calls = %d, want %d", len(d.calls), len(wantLimits))
	}
	for i, c := range d.calls {
		if c.limit != wantLimits[i] {
			t.Errorf("batch %d limit = %d, want %d", i+1, c.limit, wantLimits[i])
		}
	}
	if len(report.Outcomes) != 12 {
		t.Errorf("outcomes = %d", len(report.Outcomes))
	}
	if report.Watchdog.Retried != 1 {
		t.Errorf("watchdog report = %+v", report.Watchdog)
	}
	if !report.CheckedAt.Equal(now) {
		t.Errorf("CheckedAt = %v", report.CheckedAt)
	}
	if m.invocations != 1 || m.processed != 12 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRun_StopsWhenQueueRunsDry(t *testing.T) {
	d := &queueDispatcher{queued: 7}
	l := New(d, &stubWatchdog{})

	report, err := l.Run(testutil.TestContext(t), Request{Limit: 50, BatchSize: 5, MaxBatches: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 7 || report.Batches != 2 {
		t.Errorf("processed=%d batches=%d, want 7/2", report.Processed, report.Batches)
	}
}

func TestRun_EmptyQueueSingleBatch(t *testing.T) {
	d := &queueDispatcher{}
	l := New(d, &stubWatchdog{})

	report, err := l.Run(testutil.TestContext(t), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 0 || report.Batches != 1 {
		t.Errorf("processed=%d batches=%d, want 0/1", report.Processed, report.Batches)
	}
}

func TestRun_MaxBatchesBoundsWork(t *testing.T) {
	d := &queueDispatcher{queued: 100}
	l := New(d, &stubWatchdog{})

	report, err := l.Run(testutil.TestContext(t), Request{Limit: 100, BatchSize: 5, MaxBatches: 3})
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 15 || report.Batches != 3 {
		t.Errorf("processed=%d batches=%d, want 15/3", report.Processed, report.Batches)
	}
}

func TestRun_WatchdogCappedAndScoped(t *testing.T) {
	w := &stubWatchdog{}
	scope := domain.Scope{ProjectID: uuid.New()}
	l := New(&queueDispatcher{}, w)

	if _, err := l.Run(testutil.TestContext(t), Request{Scope: scope, Limit: 80, StaleAfter: 900 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if w.invocation != 1 {
		t.Errorf("watchdog invocations = %d, want 1", w.invocation)
	}
	if w.gotLimit != 20 {
		t.Errorf("watchdog limit = %d, want 20", w.gotLimit)
	}
	if w.gotStale != 900*time.Second {
		t.Errorf("watchdog staleAfter = %v", w.gotStale)
	}
	if w.gotScope != scope {
		t.Errorf("watchdog scope = %+v", w.gotScope)
	}
}

func TestRun_PinClearedAfterFirstBatch(t *testing.T) {
	pin := uuid.New()
	project := uuid.New()
	d := &queueDispatcher{result: &dispatcher.Result{Processed: 1}}
	l := New(d, &stubWatchdog{})

	_, err := l.Run(testutil.TestContext(t), Request{
		Scope: domain.Scope{RunID: pin, ProjectID: project}, Limit: 3, BatchSize: 1, MaxBatches: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.calls) != 3 {
		t.Fatalf("calls = %d", len(d.calls))
	}
	if d.calls[0].scope.RunID != pin {
		t.Error("first batch should carry the pin")
	}
	for i, c := range d.calls[1:] {
		if c.scope.RunID != uuid.Nil {
			t.Errorf("batch %d still pinned", i+2)
		}
		if c.scope.ProjectID != project {
			t.Errorf("batch %d lost project scope", i+2)
		}
	}
}

func TestRun_DegradedWatchdog(t *testing.T) {
	w := &stubWatchdog{err: fmt.Errorf("list running runs: %w",
		&store.UnavailableError{Reason: "missing_table", Err: errors.New(`relation "background_runs" does not exist`)})}
	d := &queueDispatcher{queued: 5}
	m := &workerMetrics{}
	l := New(d, w).WithMetrics(m)

	report, err := l.Run(testutil.TestContext(t), Request{})
	if err != nil {
		t.Fatalf("degraded run should not error: %v", err)
	}
	if !report.Degraded || report.Notice == "" || report.Processed != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(d.calls) != 0 {
		t.Error("dispatcher should not be called when degraded")
	}
	if !m.degraded {
		t.Error("metrics should record a degraded invocation")
	}
}

func TestRun_DegradedDispatch(t *testing.T) {
	d := &queueDispatcher{result: &dispatcher.Result{Degraded: true, Notice: "store unavailable"}}
	l := New(d, &stubWatchdog{})

	report, err := l.Run(testutil.TestContext(t), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Degraded || report.Notice != "store unavailable" || report.Processed != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_DispatchErrorSurfaces(t *testing.T) {
	d := &queueDispatcher{err: errors.New("connection reset")}
	l := New(d, &stubWatchdog{})

	if _, err := l.Run(testutil.TestContext(t), Request{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_WatchdogErrorSurfaces(t *testing.T) {
	l := New(&queueDispatcher{}, &stubWatchdog{err: errors.New("timeout")})

	if _, err := l.Run(testutil.TestContext(t), Request{}); err == nil {
		t.Fatal("expected error")
	}
}

// End to end against the in-memory store: a stale run is recovered by the
// watchdog pass and then executed by the first batch.
func TestRun_RecoversThenDispatches(t *testing.T) {
	stale := testutil.NewRun(now.Add(-time.Hour), testutil.Running(now.Add(-700*time.Second)))
	fresh := testutil.NewRun(now.Add(-time.Minute))
	s := testutil.NewMemStore(stale, fresh)
	clock := testutil.NewFakeClock(now)

	reg := dispatcher.NewRegistry()
	reg.Register("generate_app", dispatcher.ExecutorFunc(
		func(ctx context.Context, run domain.BackgroundRun, h dispatcher.RunHandle) (dispatcher.ExecResult, error) {
			return dispatcher.ExecResult{}, nil
		}))
	d := dispatcher.New(s, reg).WithClock(clock.Now)
	w := watchdog.New(watchdog.DefaultConfig(), s).WithClock(clock.Now)

	report, err := New(d, w).WithClock(clock.Now).Run(testutil.TestContext(t), Request{StaleAfter: 600 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if report.Watchdog.Retried != 1 {
		t.Errorf("watchdog = %+v", report.Watchdog)
	}
	if report.Processed != 2 {
		t.Errorf("Processed = %d, want 2", report.Processed)
	}
	for _, id := range []uuid.UUID{stale.ID, fresh.ID} {
		if got := s.Run(id); got.Status != domain.RunStatusSucceeded {
			t.Errorf("run %s status = %s", id, got.Status)
		}
	}
	if got := s.Run(stale.ID); got.AttemptCount != 2 {
		t.Errorf("recovered run attempts = %d, want 2", got.AttemptCount)
	}
}
