// Package watchdog reclaims running runs whose executor went away.
//
// A run is stale when it has been running longer than the lease timeout, or
// when it is running without a start time. Stale runs go back to the queue
// while attempts remain and fail otherwise. Every write is fenced on the
// attempt count, so a dispatcher that is merely slow cannot be overwritten
// by a later attempt and vice versa.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

var tracer = otel.Tracer("github.com/RedBackRubbish/torbit-sub007/internal/watchdog")

const (
	// scanFactor widens the read so rows that are running but still fresh do
	// not hide stale rows behind them.
	scanFactor = 4
	maxScan    = 200

	staleMessage = "lease expired: run exceeded the stale timeout without reporting a result"
)

type Store interface {
	ListRunningRuns(ctx context.Context, scope domain.Scope, limit int) ([]domain.BackgroundRun, error)
	TransitionRun(ctx context.Context, t store.Transition) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.RunEvent) error
}

// MetricsSink defines the interface for recording watchdog metrics.
type MetricsSink interface {
	WatchdogPass(scanned, stale, retried, failed int)
}

// Config holds the periodic loop configuration.
type Config struct {
	// Interval is how often Run scans. Default: 1 minute.
	Interval time.Duration

	// StaleAfter is the lease timeout. Default: 10 minutes.
	StaleAfter time.Duration

	// Limit caps recoveries per pass. Default: 20.
	Limit int
}

func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		StaleAfter: 10 * time.Minute,
		Limit:      20,
	}
}

type Watchdog struct {
	config  Config
	store   Store
	events  EventEmitter // optional, nil = disabled
	metrics MetricsSink  // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store) *Watchdog {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.Limit <= 0 {
		config.Limit = def.Limit
	}
	return &Watchdog{
		config: config,
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (w *Watchdog) WithEvents(e EventEmitter) *Watchdog {
	w.events = e
	return w
}

// WithMetrics attaches a metrics sink to the watchdog.
func (w *Watchdog) WithMetrics(sink MetricsSink) *Watchdog {
	w.metrics = sink
	return w
}

// WithClock replaces the time source. Used by tests.
func (w *Watchdog) WithClock(clock func() time.Time) *Watchdog {
	w.clock = clock
	return w
}

// RecoverStale performs one recovery pass over running runs in scope.
// At most limit stale runs are mutated; Stale still counts every stale row
// that was scanned.
func (w *Watchdog) RecoverStale(ctx context.Context, scope domain.Scope, staleAfter time.Duration, limit int) (domain.WatchdogReport, error) {
	ctx, span := tracer.Start(ctx, "watchdog.RecoverStale")
	defer span.End()

	var report domain.WatchdogReport
	if limit <= 0 {
		return report, nil
	}
	scan := limit * scanFactor
	if scan > maxScan {
		scan = maxScan
	}

	runs, err := w.store.ListRunningRuns(ctx, scope, scan)
	if err != nil {
		return report, fmt.Errorf("list running runs: %w", err)
	}
	report.Scanned = len(runs)

	now := w.clock()
	var stale []domain.BackgroundRun
	for _, run := range runs {
		if run.IsStale(now, staleAfter) {
			stale = append(stale, run)
		}
	}
	report.Stale = len(stale)
	if len(stale) > limit {
		stale = stale[:limit]
	}

	for _, run := range stale {
		if ctx.Err() != nil {
			log.Printf("watchdog: pass interrupted, recovered %d/%d", report.Recovered, len(stale))
			break
		}
		status, err := w.recover(ctx, run, now)
		if err != nil {
			if errors.Is(err, store.ErrStatusTransitionDenied) {
				// Finished or reclaimed between the scan and the write.
				continue
			}
			if store.IsUnavailable(err) {
				return report, err
			}
			log.Printf("watchdog: run=%s recover failed: %v", run.ID, err)
			continue
		}
		switch status {
		case domain.RunStatusQueued:
			report.Retried++
		case domain.RunStatusFailed:
			report.Failed++
		}
		report.Recovered++
	}

	span.SetAttributes(
		attribute.Int("runkeeper.watchdog.scanned", report.Scanned),
		attribute.Int("runkeeper.watchdog.stale", report.Stale),
		attribute.Int("runkeeper.watchdog.recovered", report.Recovered),
	)
	if w.metrics != nil {
		w.metrics.WatchdogPass(report.Scanned, report.Stale, report.Retried, report.Failed)
	}
	if report.Stale > 0 {
		log.Printf("watchdog: pass complete scanned=%d stale=%d retried=%d failed=%d",
			report.Scanned, report.Stale, report.Retried, report.Failed)
	}
	return report, nil
}

func (w *Watchdog) recover(ctx context.Context, run domain.BackgroundRun, now time.Time) (domain.RunStatus, error) {
	t := store.Transition{
		RunID:           run.ID,
		From:            domain.RunStatusRunning,
		ExpectedAttempt: run.AttemptCount,
		Error:           staleMessage,
		At:              now,
	}
	if run.CanRequeue() {
		t.To = domain.RunStatusQueued
		t.ClearLease = true
	} else {
		t.To = domain.RunStatusFailed
		t.FinishedAt = &now
	}
	if err := w.store.TransitionRun(ctx, t); err != nil {
		return "", err
	}

	age := "unknown"
	if run.StartedAt != nil {
		age = now.Sub(*run.StartedAt).Round(time.Second).String()
	}
	log.Printf("watchdog: run=%s attempt=%d/%d stale (age=%s) -> %s",
		run.ID, run.AttemptCount, run.MaxAttempts, age, t.To)

	if w.events != nil {
		if err := w.events.Emit(ctx, domain.NewRunEvent(run, t.To, staleMessage, now)); err != nil {
			log.Printf("watchdog: run=%s event emit failed: %v", run.ID, err)
		}
	}
	return t.To, nil
}

// Run starts the periodic recovery loop. It blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	log.Printf("watchdog: started (interval=%s, stale_after=%s, limit=%d)",
		w.config.Interval, w.config.StaleAfter, w.config.Limit)

	// Run immediately on startup, then on ticker
	w.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("watchdog: stopped")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *Watchdog) runCycle(ctx context.Context) {
	if _, err := w.RecoverStale(ctx, domain.Scope{}, w.config.StaleAfter, w.config.Limit); err != nil {
		// Store error: log and wait for the next interval.
		log.Printf("watchdog: pass failed: %v", err)
	}
}
