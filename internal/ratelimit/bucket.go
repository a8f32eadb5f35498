package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// LocalBucket is an in-process token bucket per identifier. It is safe for
// concurrent use and never returns an error.
type LocalBucket struct {
	mu        sync.Mutex
	policy    Policy
	buckets   map[string]*bucket
	lastPrune time.Time
	clock     func() time.Time
}

func NewLocalBucket(policy Policy) *LocalBucket {
	return &LocalBucket{
		policy:  policy,
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *LocalBucket) WithClock(clock func() time.Time) *LocalBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	return l
}

func (l *LocalBucket) Check(_ context.Context, identifier string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.pruneLocked(now)

	p := l.policy
	b, ok := l.buckets[identifier]
	if !ok {
		// The current request consumes the first token.
		l.buckets[identifier] = &bucket{tokens: p.MaxTokens - 1, lastRefill: now}
		return Result{Success: true, Remaining: p.MaxTokens - 1, ResetIn: p.RefillInterval, Limit: p.MaxTokens}, nil
	}

	if steps := int(now.Sub(b.lastRefill) / p.RefillInterval); steps > 0 {
		b.tokens += steps * p.RefillRate
		if b.tokens > p.MaxTokens {
			b.tokens = p.MaxTokens
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(steps) * p.RefillInterval)
	}
	resetIn := p.RefillInterval - now.Sub(b.lastRefill)

	if b.tokens <= 0 {
		return Result{Success: false, Remaining: 0, ResetIn: resetIn, Limit: p.MaxTokens}, nil
	}
	b.tokens--
	return Result{Success: true, Remaining: b.tokens, ResetIn: resetIn, Limit: p.MaxTokens}, nil
}

// pruneLocked drops buckets idle for a full window. Such a bucket is already
// full, so recreating it on the next request gives the same answer.
func (l *LocalBucket) pruneLocked(now time.Time) {
	window := l.policy.Window()
	if now.Sub(l.lastPrune) < window {
		return
	}
	l.lastPrune = now
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) >= window {
			delete(l.buckets, id)
		}
	}
}

// Reset forgets every bucket.
func (l *LocalBucket) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
