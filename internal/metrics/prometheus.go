package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Dispatcher metrics
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	runsClaimedTotal prometheus.Counter
	runOutcomesTotal *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	runsInFlight     prometheus.Gauge

	// Watchdog metrics
	watchdogScannedTotal prometheus.Counter
	watchdogStaleTotal   prometheus.Counter
	watchdogRecovered    *prometheus.CounterVec

	// Worker loop and trigger metrics
	workerInvocationsTotal *prometheus.CounterVec
	workerDuration         prometheus.Histogram
	workerBatchesTotal     prometheus.Counter
	workerProcessedTotal   prometheus.Counter
	ticksTotal             prometheus.Counter
	tickErrorsTotal        prometheus.Counter
	tickDuration           prometheus.Histogram

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec

	// Provider metrics
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	providerSkippedTotal *prometheus.CounterVec

	// Admission control
	rateLimitTotal         *prometheus.CounterVec
	rateLimitFallbackTotal *prometheus.CounterVec

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initDispatcherMetrics(reg)
	s.initWatchdogMetrics(reg)
	s.initWorkerMetrics(reg)
	s.initLeaderMetrics(reg)
	s.initProviderMetrics(reg)
	s.initRateLimitMetrics(reg)
	s.initEventBusMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_dispatcher_dispatches_total",
		Help: "Total number of dispatch calls by result.",
	}, []string{"result"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runkeeper_dispatcher_dispatch_duration_seconds",
		Help:    "Duration of each dispatch call in seconds, including execution.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
	})
	s.runsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_dispatcher_runs_claimed_total",
		Help: "Total number of runs claimed from the queue.",
	})
	s.runOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_dispatcher_run_outcomes_total",
		Help: "Total number of run transitions recorded by the dispatcher.",
	}, []string{"run_type", "status"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runkeeper_dispatcher_run_execution_seconds",
		Help:    "Executor wall time per run attempt in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"run_type"})
	s.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runkeeper_dispatcher_runs_in_flight",
		Help: "Number of runs currently executing in this process.",
	})

	s.register(reg, s.dispatchesTotal, "runkeeper_dispatcher_dispatches_total")
	s.register(reg, s.dispatchDuration, "runkeeper_dispatcher_dispatch_duration_seconds")
	s.register(reg, s.runsClaimedTotal, "runkeeper_dispatcher_runs_claimed_total")
	s.register(reg, s.runOutcomesTotal, "runkeeper_dispatcher_run_outcomes_total")
	s.register(reg, s.runDuration, "runkeeper_dispatcher_run_execution_seconds")
	s.register(reg, s.runsInFlight, "runkeeper_dispatcher_runs_in_flight")
}

func (s *PrometheusSink) initWatchdogMetrics(reg prometheus.Registerer) {
	s.watchdogScannedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_watchdog_scanned_total",
		Help: "Total number of running rows examined by the watchdog.",
	})
	s.watchdogStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_watchdog_stale_total",
		Help: "Total number of rows whose lease had expired.",
	})
	s.watchdogRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_watchdog_recovered_total",
		Help: "Total number of stale runs recovered, by resulting status.",
	}, []string{"status"})

	s.register(reg, s.watchdogScannedTotal, "runkeeper_watchdog_scanned_total")
	s.register(reg, s.watchdogStaleTotal, "runkeeper_watchdog_stale_total")
	s.register(reg, s.watchdogRecovered, "runkeeper_watchdog_recovered_total")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.workerInvocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_worker_invocations_total",
		Help: "Total number of worker loop invocations by result.",
	}, []string{"result"})
	s.workerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runkeeper_worker_invocation_duration_seconds",
		Help:    "Wall time of each worker loop invocation in seconds.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
	})
	s.workerBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_worker_batches_total",
		Help: "Total number of dispatcher batches run by the worker loop.",
	})
	s.workerProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_worker_runs_processed_total",
		Help: "Total number of runs claimed across worker loop invocations.",
	})
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_trigger_ticks_total",
		Help: "Total number of scheduled worker ticks fired.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_trigger_tick_errors_total",
		Help: "Total number of scheduled worker ticks that returned an error.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runkeeper_trigger_tick_duration_seconds",
		Help:    "Duration of each scheduled worker tick in seconds.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	s.register(reg, s.workerInvocationsTotal, "runkeeper_worker_invocations_total")
	s.register(reg, s.workerDuration, "runkeeper_worker_invocation_duration_seconds")
	s.register(reg, s.workerBatchesTotal, "runkeeper_worker_batches_total")
	s.register(reg, s.workerProcessedTotal, "runkeeper_worker_runs_processed_total")
	s.register(reg, s.ticksTotal, "runkeeper_trigger_ticks_total")
	s.register(reg, s.tickErrorsTotal, "runkeeper_trigger_tick_errors_total")
	s.register(reg, s.tickDuration, "runkeeper_trigger_tick_duration_seconds")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runkeeper_leader_is_leader",
		Help: "1 while this instance holds the scheduling lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_leader_acquired_total",
		Help: "Total number of times this instance acquired the scheduling lock.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_leader_lost_total",
		Help: "Total number of times this instance lost the scheduling lock, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "runkeeper_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "runkeeper_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "runkeeper_leader_lost_total")
}

func (s *PrometheusSink) initProviderMetrics(reg prometheus.Registerer) {
	s.providerCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_provider_calls_total",
		Help: "Total number of upstream provider calls by status class.",
	}, []string{"provider", "status_class"})
	s.providerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runkeeper_provider_call_duration_seconds",
		Help:    "Upstream provider call latency in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})
	s.providerSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_provider_skipped_total",
		Help: "Total number of times a provider was skipped because its circuit was open.",
	}, []string{"provider"})

	s.register(reg, s.providerCallsTotal, "runkeeper_provider_calls_total")
	s.register(reg, s.providerCallDuration, "runkeeper_provider_call_duration_seconds")
	s.register(reg, s.providerSkippedTotal, "runkeeper_provider_skipped_total")
}

func (s *PrometheusSink) initRateLimitMetrics(reg prometheus.Registerer) {
	s.rateLimitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_ratelimit_decisions_total",
		Help: "Total number of admission decisions by policy.",
	}, []string{"policy", "allowed"})
	s.rateLimitFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runkeeper_ratelimit_fallbacks_total",
		Help: "Total number of checks served by the local bucket after a distributed limiter error.",
	}, []string{"policy"})

	s.register(reg, s.rateLimitTotal, "runkeeper_ratelimit_decisions_total")
	s.register(reg, s.rateLimitFallbackTotal, "runkeeper_ratelimit_fallbacks_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runkeeper_eventbus_buffer_size",
		Help: "Current number of run events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runkeeper_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runkeeper_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runkeeper_eventbus_emit_errors_total",
		Help: "Total number of run events dropped because the buffer was full.",
	})

	s.register(reg, s.bufferSize, "runkeeper_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "runkeeper_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "runkeeper_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "runkeeper_eventbus_emit_errors_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func resultLabel(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}

func (s *PrometheusSink) DispatchCompleted(duration time.Duration, claimed int, degraded bool) {
	s.dispatchesTotal.WithLabelValues(resultLabel(degraded)).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
	s.runsClaimedTotal.Add(float64(claimed))
}

func (s *PrometheusSink) RunOutcome(runType, status string) {
	s.runOutcomesTotal.WithLabelValues(runType, status).Inc()
}

func (s *PrometheusSink) RunExecutionObserve(runType string, duration time.Duration) {
	s.runDuration.WithLabelValues(runType).Observe(duration.Seconds())
}

func (s *PrometheusSink) RunsInFlightIncr() {
	s.runsInFlight.Inc()
}

func (s *PrometheusSink) RunsInFlightDecr() {
	s.runsInFlight.Dec()
}

func (s *PrometheusSink) WatchdogPass(scanned, stale, retried, failed int) {
	s.watchdogScannedTotal.Add(float64(scanned))
	s.watchdogStaleTotal.Add(float64(stale))
	s.watchdogRecovered.WithLabelValues("queued").Add(float64(retried))
	s.watchdogRecovered.WithLabelValues("failed").Add(float64(failed))
}

func (s *PrometheusSink) WorkerInvocation(duration time.Duration, processed, batches int, degraded bool) {
	s.workerInvocationsTotal.WithLabelValues(resultLabel(degraded)).Inc()
	s.workerDuration.Observe(duration.Seconds())
	s.workerBatchesTotal.Add(float64(batches))
	s.workerProcessedTotal.Add(float64(processed))
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, _ int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ProviderCallCompleted(provider, statusClass string, duration time.Duration) {
	s.providerCallsTotal.WithLabelValues(provider, statusClass).Inc()
	s.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) ProviderSkipped(provider string) {
	s.providerSkippedTotal.WithLabelValues(provider).Inc()
}

func (s *PrometheusSink) RateLimitDecision(policy string, allowed bool) {
	s.rateLimitTotal.WithLabelValues(policy, strconv.FormatBool(allowed)).Inc()
}

func (s *PrometheusSink) RateLimitFallback(policy string) {
	s.rateLimitFallbackTotal.WithLabelValues(policy).Inc()
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}
