package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_DispatchCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchCompleted(2*time.Second, 3, false)
	sink.DispatchCompleted(10*time.Millisecond, 0, true)

	if v := getCounterValue(t, reg, "runkeeper_dispatcher_runs_claimed_total"); v != 3 {
		t.Errorf("runs_claimed_total = %v, want 3", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_dispatcher_dispatches_total", map[string]string{"result": "ok"}); v != 1 {
		t.Errorf("dispatches_total{result=ok} = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_dispatcher_dispatches_total", map[string]string{"result": "degraded"}); v != 1 {
		t.Errorf("dispatches_total{result=degraded} = %v, want 1", v)
	}
}

func TestPrometheusSink_RunOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunOutcome("app_generation", "succeeded")
	sink.RunOutcome("app_generation", "queued")
	sink.RunOutcome("app_generation", "succeeded")

	succeeded := getCounterVecValue(t, reg, "runkeeper_dispatcher_run_outcomes_total",
		map[string]string{"run_type": "app_generation", "status": "succeeded"})
	if succeeded != 2 {
		t.Errorf("status=succeeded = %v, want 2", succeeded)
	}
	requeued := getCounterVecValue(t, reg, "runkeeper_dispatcher_run_outcomes_total",
		map[string]string{"run_type": "app_generation", "status": "queued"})
	if requeued != 1 {
		t.Errorf("status=queued = %v, want 1", requeued)
	}
}

func TestPrometheusSink_RunsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RunsInFlightIncr()
	sink.RunsInFlightIncr()
	sink.RunsInFlightDecr()

	if v := getGaugeValue(t, reg, "runkeeper_dispatcher_runs_in_flight"); v != 1 {
		t.Errorf("runs_in_flight = %v, want 1", v)
	}
}

func TestPrometheusSink_WatchdogPass(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.WatchdogPass(10, 3, 2, 1)

	if v := getCounterValue(t, reg, "runkeeper_watchdog_scanned_total"); v != 10 {
		t.Errorf("scanned_total = %v, want 10", v)
	}
	if v := getCounterValue(t, reg, "runkeeper_watchdog_stale_total"); v != 3 {
		t.Errorf("stale_total = %v, want 3", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_watchdog_recovered_total", map[string]string{"status": "queued"}); v != 2 {
		t.Errorf("recovered{status=queued} = %v, want 2", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_watchdog_recovered_total", map[string]string{"status": "failed"}); v != 1 {
		t.Errorf("recovered{status=failed} = %v, want 1", v)
	}
}

func TestPrometheusSink_WorkerAndTicks(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.WorkerInvocation(time.Second, 7, 2, false)
	sink.TickStarted()
	sink.TickCompleted(time.Second, 7, nil)
	sink.TickStarted()
	sink.TickCompleted(time.Second, 0, errors.New("db down"))

	if v := getCounterValue(t, reg, "runkeeper_worker_runs_processed_total"); v != 7 {
		t.Errorf("runs_processed_total = %v, want 7", v)
	}
	if v := getCounterValue(t, reg, "runkeeper_worker_batches_total"); v != 2 {
		t.Errorf("batches_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "runkeeper_trigger_ticks_total"); v != 2 {
		t.Errorf("ticks_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "runkeeper_trigger_tick_errors_total"); v != 1 {
		t.Errorf("tick_errors_total = %v, want 1", v)
	}
}

func TestPrometheusSink_ProviderLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ProviderCallCompleted("primary", StatusClass2xx, 100*time.Millisecond)
	sink.ProviderCallCompleted("fallback", StatusClass5xx, 200*time.Millisecond)
	sink.ProviderSkipped("primary")

	if v := getCounterVecValue(t, reg, "runkeeper_provider_calls_total",
		map[string]string{"provider": "primary", "status_class": "2xx"}); v != 1 {
		t.Errorf("provider=primary,status=2xx = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_provider_calls_total",
		map[string]string{"provider": "fallback", "status_class": "5xx"}); v != 1 {
		t.Errorf("provider=fallback,status=5xx = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_provider_skipped_total",
		map[string]string{"provider": "primary"}); v != 1 {
		t.Errorf("skipped{provider=primary} = %v, want 1", v)
	}
}

func TestPrometheusSink_RateLimit(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RateLimitDecision("chat", true)
	sink.RateLimitDecision("chat", false)
	sink.RateLimitFallback("worker")

	if v := getCounterVecValue(t, reg, "runkeeper_ratelimit_decisions_total",
		map[string]string{"policy": "chat", "allowed": "false"}); v != 1 {
		t.Errorf("decisions{chat,false} = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "runkeeper_ratelimit_fallbacks_total",
		map[string]string{"policy": "worker"}); v != 1 {
		t.Errorf("fallbacks{worker} = %v, want 1", v)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)
	sink.EmitError()

	if v := getGaugeValue(t, reg, "runkeeper_eventbus_buffer_capacity"); v != 100 {
		t.Errorf("buffer_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "runkeeper_eventbus_buffer_size"); v != 42 {
		t.Errorf("buffer_size = %v, want 42", v)
	}
	if v := getGaugeValue(t, reg, "runkeeper_eventbus_buffer_saturation"); v != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", v)
	}
	if v := getCounterValue(t, reg, "runkeeper_eventbus_emit_errors_total"); v != 1 {
		t.Errorf("emit_errors_total = %v, want 1", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	reg := prometheus.NewRegistry()

	if NewPrometheusSink(reg) == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	// Every collector collides; the sink must still be usable.
	sink2 := NewPrometheusSink(reg)
	sink2.RunOutcome("app_generation", "failed")
}

var _ Sink = (*PrometheusSink)(nil)

func TestPrometheusSink_Leader(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if got := getGaugeValue(t, reg, "runkeeper_leader_is_leader"); got != 1 {
		t.Errorf("is_leader = %v, want 1", got)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if got := getGaugeValue(t, reg, "runkeeper_leader_is_leader"); got != 0 {
		t.Errorf("is_leader = %v, want 0", got)
	}
	if got := getCounterValue(t, reg, "runkeeper_leader_acquired_total"); got != 1 {
		t.Errorf("acquired = %v, want 1", got)
	}
	if got := getCounterVecValue(t, reg, "runkeeper_leader_lost_total", map[string]string{"reason": "conn_lost"}); got != 1 {
		t.Errorf("lost{conn_lost} = %v, want 1", got)
	}
}
