// Package ratelimit provides admission control for the dispatch-facing HTTP
// routes: a shared fixed-window counter when a counter store is reachable and
// an in-process token bucket otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	Success   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
}

// Limiter admits or rejects a request for identifier.
type Limiter interface {
	Check(ctx context.Context, identifier string) (Result, error)
}

// Policy describes a token bucket: MaxTokens capacity, refilled by RefillRate
// tokens every RefillInterval.
type Policy struct {
	Name           string
	MaxTokens      int
	RefillRate     int
	RefillInterval time.Duration
}

// ChatPolicy guards interactive dispatch, run creation and retries.
func ChatPolicy(perMinute int) Policy {
	return Policy{Name: "chat", MaxTokens: perMinute, RefillRate: perMinute, RefillInterval: time.Minute}
}

// WorkerPolicy guards the worker batch endpoint, which is far more expensive
// per call.
func WorkerPolicy(perMinute int) Policy {
	return Policy{Name: "worker", MaxTokens: perMinute, RefillRate: perMinute, RefillInterval: time.Minute}
}

const (
	DefaultChatPerMinute   = 20
	DefaultWorkerPerMinute = 6
)

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("ratelimit: policy name is required")
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("ratelimit: policy %s: max tokens must be >= 1", p.Name)
	}
	if p.RefillRate < 1 {
		return fmt.Errorf("ratelimit: policy %s: refill rate must be >= 1", p.Name)
	}
	if p.RefillInterval <= 0 {
		return fmt.Errorf("ratelimit: policy %s: refill interval must be positive", p.Name)
	}
	return nil
}

// Window is the fixed window used by the distributed limiters: the time a
// drained bucket needs to refill completely.
func (p Policy) Window() time.Duration {
	steps := (p.MaxTokens + p.RefillRate - 1) / p.RefillRate
	return time.Duration(steps) * p.RefillInterval
}

// windowKey names the counter for identifier in the window containing now.
func (p Policy) windowKey(identifier string, now time.Time) string {
	windowMs := p.Window().Milliseconds()
	slot := now.UnixMilli() / windowMs
	return fmt.Sprintf("ratelimit:%s:%s:%d", p.Name, identifier, slot)
}

// windowResult converts a post-increment counter and its TTL into a Result.
func (p Policy) windowResult(count, ttlMs int64) Result {
	remaining := int64(p.MaxTokens) - count
	if remaining < 0 {
		remaining = 0
	}
	if ttlMs < 0 {
		ttlMs = p.Window().Milliseconds()
	}
	return Result{
		Success:   count <= int64(p.MaxTokens),
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttlMs) * time.Millisecond,
		Limit:     p.MaxTokens,
	}
}
