package ratelimit

import (
	"context"
	"log"
	"sync/atomic"
)

// fallbackWarned is shared by every policy in the process.
var fallbackWarned atomic.Bool

// MetricsSink records limiter decisions.
type MetricsSink interface {
	RateLimitDecision(policy string, allowed bool)
	RateLimitFallback(policy string)
}

// Composite asks the distributed limiter first and falls back to the local
// bucket for any call where the distributed limiter fails. The first fallback
// in the process is logged; later ones only show up in metrics.
type Composite struct {
	distributed Limiter // nil = local only
	local       *LocalBucket
	policy      string
	metrics     MetricsSink
}

func NewComposite(distributed Limiter, local *LocalBucket) *Composite {
	return &Composite{
		distributed: distributed,
		local:       local,
		policy:      local.policy.Name,
	}
}

// WithMetrics attaches a metrics sink.
func (c *Composite) WithMetrics(m MetricsSink) *Composite {
	c.metrics = m
	return c
}

// Check never returns an error: transport failures degrade to the local
// bucket.
func (c *Composite) Check(ctx context.Context, identifier string) (Result, error) {
	if c.distributed != nil {
		res, err := c.distributed.Check(ctx, identifier)
		if err == nil {
			c.record(res.Success)
			return res, nil
		}
		if fallbackWarned.CompareAndSwap(false, true) {
			log.Printf("ratelimit: policy=%s distributed limiter unavailable, using local bucket: %v", c.policy, err)
		}
		if c.metrics != nil {
			c.metrics.RateLimitFallback(c.policy)
		}
	}
	res, _ := c.local.Check(ctx, identifier)
	c.record(res.Success)
	return res, nil
}

func (c *Composite) record(allowed bool) {
	if c.metrics != nil {
		c.metrics.RateLimitDecision(c.policy, allowed)
	}
}
