// Package worker implements the bounded batch loop an external schedule
// triggers: one watchdog pass, then dispatch batches until the requested
// volume is drained, the queue runs dry, or the batch cap is reached.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RedBackRubbish/torbit-sub007/internal/dispatcher"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

var tracer = otel.Tracer("github.com/RedBackRubbish/torbit-sub007/internal/worker")

const (
	DefaultLimit      = 10
	MaxLimit          = 100
	DefaultBatchSize  = 5
	MaxBatchSize      = 50
	DefaultMaxBatches = 4
	MaxMaxBatches     = 20
	DefaultStaleAfter = 600 * time.Second
	MinStaleAfter     = 30 * time.Second

	// MaxWatchdogLimit caps recovery work per invocation.
	MaxWatchdogLimit = 20
)

type Dispatcher interface {
	Dispatch(ctx context.Context, scope domain.Scope, limit int) (dispatcher.Result, error)
}

type Watchdog interface {
	RecoverStale(ctx context.Context, scope domain.Scope, staleAfter time.Duration, limit int) (domain.WatchdogReport, error)
}

// MetricsSink defines the interface for recording worker loop metrics.
type MetricsSink interface {
	WorkerInvocation(duration time.Duration, processed, batches int, degraded bool)
}

// Request bounds one invocation. Zero values take the defaults; values out of
// range are clamped.
type Request struct {
	Scope      domain.Scope
	Limit      int
	BatchSize  int
	MaxBatches int
	StaleAfter time.Duration
}

// Normalize applies defaults and bounds.
func (r Request) Normalize() Request {
	r.Limit = clamp(r.Limit, DefaultLimit, 1, MaxLimit)
	r.BatchSize = clamp(r.BatchSize, DefaultBatchSize, 1, MaxBatchSize)
	r.MaxBatches = clamp(r.MaxBatches, DefaultMaxBatches, 1, MaxMaxBatches)
	if r.StaleAfter <= 0 {
		r.StaleAfter = DefaultStaleAfter
	}
	if r.StaleAfter < MinStaleAfter {
		r.StaleAfter = MinStaleAfter
	}
	return r
}

func clamp(v, def, lo, hi int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type Report struct {
	Processed int
	Batches   int
	Watchdog  domain.WatchdogReport
	Outcomes  []domain.DispatchOutcome
	Degraded  bool
	Notice    string
	CheckedAt time.Time
}

type Loop struct {
	dispatcher Dispatcher
	watchdog   Watchdog
	metrics    MetricsSink // optional, nil = disabled
	clock      func() time.Time
}

func New(d Dispatcher, w Watchdog) *Loop {
	return &Loop{
		dispatcher: d,
		watchdog:   w,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches a metrics sink to the loop.
func (l *Loop) WithMetrics(sink MetricsSink) *Loop {
	l.metrics = sink
	return l
}

// WithClock replaces the time source. Used by tests.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

// Run performs one invocation. An unprovisioned store yields a degraded
// report and no error.
func (l *Loop) Run(ctx context.Context, req Request) (Report, error) {
	ctx, span := tracer.Start(ctx, "worker.Run")
	defer span.End()

	req = req.Normalize()
	start := l.clock()
	report := Report{CheckedAt: start}

	wdLimit := req.Limit
	if wdLimit > MaxWatchdogLimit {
		wdLimit = MaxWatchdogLimit
	}
	wd, err := l.watchdog.RecoverStale(ctx, req.Scope, req.StaleAfter, wdLimit)
	if err != nil {
		if store.IsUnavailable(err) {
			return l.degraded(report, start, err), nil
		}
		return report, fmt.Errorf("watchdog: %w", err)
	}
	report.Watchdog = wd

	scope := req.Scope
	for report.Processed < req.Limit && report.Batches < req.MaxBatches {
		if ctx.Err() != nil {
			break
		}
		batchLimit := req.BatchSize
		if remaining := req.Limit - report.Processed; remaining < batchLimit {
			batchLimit = remaining
		}

		res, err := l.dispatcher.Dispatch(ctx, scope, batchLimit)
		if err != nil {
			return report, fmt.Errorf("dispatch batch %d: %w", report.Batches+1, err)
		}
		if res.Degraded {
			report.Degraded = true
			report.Notice = res.Notice
			break
		}

		report.Processed += res.Processed
		report.Outcomes = append(report.Outcomes, res.Outcomes...)
		report.Batches++

		// A pinned run can only be claimed once.
		scope = scope.Unpinned()

		if res.Processed < batchLimit {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("runkeeper.worker.processed", report.Processed),
		attribute.Int("runkeeper.worker.batches", report.Batches),
		attribute.Bool("runkeeper.degraded", report.Degraded),
	)
	if l.metrics != nil {
		l.metrics.WorkerInvocation(l.clock().Sub(start), report.Processed, report.Batches, report.Degraded)
	}
	log.Printf("worker: invocation complete processed=%d batches=%d recovered=%d",
		report.Processed, report.Batches, report.Watchdog.Recovered)
	return report, nil
}

func (l *Loop) degraded(report Report, start time.Time, err error) Report {
	report.Degraded = true
	report.Notice = fmt.Sprintf("background run store unavailable: %v", err)
	log.Printf("worker: degraded: %s", report.Notice)
	if l.metrics != nil {
		l.metrics.WorkerInvocation(l.clock().Sub(start), 0, 0, true)
	}
	return report
}
