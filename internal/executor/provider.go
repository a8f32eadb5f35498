// Package executor ships the run executor that drives upstream AI providers.
// Providers are tried in health order; open circuits are skipped.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/RedBackRubbish/torbit-sub007/internal/circuitbreaker"
	"github.com/RedBackRubbish/torbit-sub007/internal/dispatcher"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/metrics"
)

// Caller performs one provider call.
type Caller interface {
	Call(ctx context.Context, req CallRequest) CallResult
}

// HealthRegistry is the slice of circuitbreaker.Registry the executor needs.
type HealthRegistry interface {
	Rank(labels []string) circuitbreaker.Ranking
	RecordSuccess(label string, latency time.Duration)
	RecordFailure(label, msg string)
}

type MetricsSink interface {
	ProviderCallCompleted(provider, statusClass string, duration time.Duration)
	ProviderSkipped(provider string)
}

// ErrNoHealthyProvider is returned when every routed provider is cooling
// down. The run is retried later.
var ErrNoHealthyProvider = errors.New("no healthy provider")

type ProviderExecutor struct {
	routing Routing
	health  HealthRegistry
	caller  Caller
	metrics MetricsSink // optional, nil = disabled
}

func NewProviderExecutor(routing Routing, health HealthRegistry, caller Caller) *ProviderExecutor {
	return &ProviderExecutor{
		routing: routing,
		health:  health,
		caller:  caller,
	}
}

// WithMetrics attaches a metrics sink to the executor.
func (e *ProviderExecutor) WithMetrics(sink MetricsSink) *ProviderExecutor {
	e.metrics = sink
	return e
}

// Register adds the executor to reg under every routed run type.
func (e *ProviderExecutor) Register(reg *dispatcher.Registry) {
	for _, t := range e.routing.RunTypes() {
		reg.Register(t, e)
	}
}

// Execute calls the run's providers best-first until one answers 2xx.
func (e *ProviderExecutor) Execute(ctx context.Context, run domain.BackgroundRun, h dispatcher.RunHandle) (dispatcher.ExecResult, error) {
	labels := e.routing.Routes[run.RunType]
	if len(labels) == 0 {
		return dispatcher.ExecResult{}, dispatcher.Permanent(fmt.Errorf("no providers routed for run type %q", run.RunType))
	}

	ranking := e.health.Rank(labels)
	for _, s := range ranking.Skipped {
		log.Printf("executor: run=%s skipping provider=%s cooldown=%s", run.ID, s.Label, s.CooldownRemaining.Round(time.Second))
		if e.metrics != nil {
			e.metrics.ProviderSkipped(s.Label)
		}
	}
	if len(ranking.Active) == 0 {
		return dispatcher.ExecResult{}, fmt.Errorf("%w for run type %q (%d cooling down)", ErrNoHealthyProvider, run.RunType, len(ranking.Skipped))
	}

	payload := CallPayload{
		RunID:     run.ID.String(),
		ProjectID: run.ProjectID.String(),
		UserID:    run.UserID.String(),
		RunType:   run.RunType,
		Attempt:   run.AttemptCount,
		Input:     run.Input,
	}

	var (
		failures    []string
		clientFails int
	)
	for i, score := range ranking.Active {
		if cancelled, err := h.CancelRequested(ctx); err == nil && cancelled {
			return dispatcher.ExecResult{}, dispatcher.ErrRunCancelled
		}
		if err := ctx.Err(); err != nil {
			return dispatcher.ExecResult{}, err
		}

		p, ok := e.routing.provider(score.Label)
		if !ok {
			continue
		}
		res := e.caller.Call(ctx, CallRequest{
			URL:     p.URL,
			Secret:  p.Secret,
			Timeout: p.ParsedTimeout,
			Payload: payload,
		})
		if e.metrics != nil {
			e.metrics.ProviderCallCompleted(p.Label, metrics.ClassifyStatus(res.StatusCode, res.Error), res.Duration)
		}

		if res.Error == nil && res.StatusCode >= 200 && res.StatusCode < 300 {
			e.health.RecordSuccess(p.Label, res.Duration)
			return successResult(p.Label, res), nil
		}

		msg := describeFailure(res)
		e.health.RecordFailure(p.Label, msg)
		failures = append(failures, p.Label+": "+msg)
		if res.Error == nil && res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != 429 {
			clientFails++
		}
		log.Printf("executor: run=%s provider=%s failed: %s", run.ID, p.Label, msg)

		if err := h.ReportProgress(ctx, (i+1)*90/len(ranking.Active)); err != nil {
			log.Printf("executor: run=%s progress update failed: %v", run.ID, err)
		}
	}

	err := fmt.Errorf("all providers failed: %s", strings.Join(failures, "; "))
	if clientFails > 0 && clientFails == len(failures) {
		// Every provider rejected the request itself; retrying cannot help.
		return dispatcher.ExecResult{}, dispatcher.Permanent(err)
	}
	return dispatcher.ExecResult{}, err
}

// providerResponse is the optional JSON envelope a provider may answer with.
type providerResponse struct {
	Metadata json.RawMessage `json:"metadata"`
}

func successResult(label string, res CallResult) dispatcher.ExecResult {
	meta := map[string]any{
		"provider":            label,
		"provider_latency_ms": res.Duration.Milliseconds(),
	}
	if strings.HasPrefix(res.ContentType, "application/json") {
		var pr providerResponse
		if err := json.Unmarshal(res.Body, &pr); err == nil && len(pr.Metadata) > 0 {
			meta["provider_metadata"] = pr.Metadata
		}
	}
	b, _ := json.Marshal(meta)
	return dispatcher.ExecResult{
		Metadata:    b,
		Output:      res.Body,
		ContentType: res.ContentType,
	}
}

func describeFailure(res CallResult) string {
	if res.Error != nil {
		return res.Error.Error()
	}
	return fmt.Sprintf("status %d", res.StatusCode)
}
