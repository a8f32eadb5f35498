// Package testutil holds the in-memory run table, run builders and a settable
// clock shared by the package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

// FakeClock is a settable clock. Its Now method plugs into the WithClock
// options of the dispatcher, watchdog, trigger and limiters.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// TestContext expires after five seconds or when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustClaim claims the queued run id from s at now, failing the test when the
// run is not claimable.
func MustClaim(t testing.TB, s *MemStore, id uuid.UUID, now time.Time) domain.BackgroundRun {
	t.Helper()
	claimed, err := s.ClaimQueuedRuns(context.Background(), domain.Scope{RunID: id}, 1, now)
	if err != nil {
		t.Fatalf("claim %s: %v", id, err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claim %s: run not claimable", id)
	}
	return claimed[0]
}
