// Package trigger fires the worker loop in-process on a cron schedule.
//
// Due times that pile up while an invocation is running, or while the
// process was not leading, are coalesced into a single invocation.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/RedBackRubbish/torbit-sub007/internal/worker"
)

// ErrAlreadyRunning is returned by Fire while another invocation is active.
var ErrAlreadyRunning = errors.New("worker invocation already running")

const DefaultTickInterval = 15 * time.Second

type Runner interface {
	Run(ctx context.Context, req worker.Request) (worker.Report, error)
}

// MetricsSink defines the interface for recording trigger metrics.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, processed int, err error)
}

type Config struct {
	Schedule     string // five-field cron expression
	Timezone     string // empty = UTC
	TickInterval time.Duration
	Request      worker.Request // bounds for every invocation
}

type Trigger struct {
	config   Config
	schedule Schedule
	runner   Runner
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	running  atomic.Bool
	lastTick time.Time
}

func New(config Config, runner Runner) (*Trigger, error) {
	sched, err := ParseSchedule(config.Schedule, config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("worker schedule %q: %w", config.Schedule, err)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	return &Trigger{
		config:   config,
		schedule: sched,
		runner:   runner,
		clock:    time.Now,
	}, nil
}

// WithMetrics attaches a metrics sink to the trigger.
func (t *Trigger) WithMetrics(sink MetricsSink) *Trigger {
	t.metrics = sink
	return t
}

// WithClock replaces the time source. Used by tests.
func (t *Trigger) WithClock(clock func() time.Time) *Trigger {
	t.clock = clock
	return t
}

// Run checks the schedule every tick interval until ctx is cancelled.
// Invocations run on the calling goroutine, so they never overlap.
func (t *Trigger) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.config.TickInterval)
	defer ticker.Stop()

	log.Printf("trigger: started, schedule=%q tick=%s", t.config.Schedule, t.config.TickInterval)
	t.lastTick = t.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			log.Println("trigger: stopped")
			return ctx.Err()
		case <-ticker.C:
			t.processTick(ctx)
		}
	}
}

// processTick fires once if at least one scheduled time fell in
// (lastTick, now]. It reports whether it fired.
func (t *Trigger) processTick(ctx context.Context) bool {
	now := t.clock().UTC()
	due := t.dueCount(t.lastTick, now)
	t.lastTick = now
	if due == 0 {
		return false
	}
	if due > 1 {
		log.Printf("trigger: coalescing %d due times into one invocation", due)
	}

	if _, err := t.Fire(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		log.Printf("trigger: invocation error: %v", err)
	}
	return true
}

func (t *Trigger) dueCount(after, now time.Time) int {
	const maxIterations = 1000
	n := 0
	for next := t.schedule.Next(after); !next.After(now) && n < maxIterations; next = t.schedule.Next(next) {
		n++
	}
	return n
}

// Fire runs one worker invocation now, unless one is already running.
func (t *Trigger) Fire(ctx context.Context) (worker.Report, error) {
	if !t.running.CompareAndSwap(false, true) {
		log.Println("trigger: previous invocation still running, skipping")
		return worker.Report{}, ErrAlreadyRunning
	}
	defer t.running.Store(false)

	if t.metrics != nil {
		t.metrics.TickStarted()
	}
	start := t.clock()

	report, err := t.runner.Run(ctx, t.config.Request)

	if t.metrics != nil {
		t.metrics.TickCompleted(t.clock().Sub(start), report.Processed, err)
	}
	return report, err
}
