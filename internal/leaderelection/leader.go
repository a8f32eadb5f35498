// Package leaderelection picks the single runkeeper instance that fires the
// scheduled worker loop and the periodic watchdog.
//
// Leadership is a Postgres session-scoped advisory lock held on a dedicated
// connection. There is no TTL: if the connection dies, Postgres releases the
// lock server-side. The heartbeat ping only detects local connection death so
// the leader stops its duties promptly; it does not renew anything.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSink defines the interface for recording leader election metrics.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // shutdown, conn_lost
}

// DB hands out dedicated connections. *sql.DB satisfies it.
type DB interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

type Config struct {
	LockKey           int64
	RetryInterval     time.Duration // follower: how often to try the lock
	HeartbeatInterval time.Duration // leader: how often to ping the connection
}

// Elector runs leader duties while it holds the lock.
type Elector struct {
	db      DB
	cfg     Config
	leader  atomic.Bool
	metrics MetricsSink // optional, nil = disabled

	onElected func(ctx context.Context)
	onDemoted func()
}

// New creates an Elector.
//
// onElected runs in its own goroutine once the lock is acquired; its context
// is cancelled when leadership ends. onDemoted runs synchronously after that
// and must block until the duties have stopped.
func New(db DB, cfg Config, onElected func(ctx context.Context), onDemoted func()) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Elector{
		db:        db,
		cfg:       cfg,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (lock_key=%d, retry=%s, heartbeat=%s)",
		e.cfg.LockKey, e.cfg.RetryInterval, e.cfg.HeartbeatInterval)

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.cfg.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// runOnce tries the lock and, if acquired, holds it until the connection
// fails or ctx ends. Returns why leadership was lost, or "" if it was never
// gained.
func (e *Elector) runOnce(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: failed to acquire dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockKey).Scan(&acquired)
	if err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return ""
	}
	if !acquired {
		log.Printf("leader: lock %d held by another instance", e.cfg.LockKey)
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.cfg.LockKey)
	e.setLeader(true)
	if e.metrics != nil {
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()
	e.setLeader(false)
	if e.metrics != nil {
		e.metrics.LeaderLost(reason)
	}

	// conn.Close returns the session to the pool with the lock still held.
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", e.cfg.LockKey); err != nil {
		log.Printf("leader: advisory unlock failed: %v", err)
	}

	log.Printf("leader: released advisory lock %d", e.cfg.LockKey)
	return reason
}

// holdLock blocks while pinging the dedicated connection.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: dedicated connection ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}

func (e *Elector) setLeader(v bool) {
	e.leader.Store(v)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(v)
	}
}

// Duty adapts a blocking function to the Elector callbacks: Elected runs fn
// and Demoted waits for it to return.
type Duty struct {
	fn      func(ctx context.Context)
	mu      sync.Mutex
	running sync.WaitGroup
}

func NewDuty(fn func(ctx context.Context)) *Duty {
	return &Duty{fn: fn}
}

func (d *Duty) Elected(ctx context.Context) {
	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.running.Add(1)
	d.mu.Unlock()
	defer d.running.Done()

	d.fn(ctx)
}

// Demoted must be called after the context passed to Elected is cancelled.
func (d *Duty) Demoted() {
	d.mu.Lock()
	d.mu.Unlock()
	d.running.Wait()
}
