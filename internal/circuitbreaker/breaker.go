// Package circuitbreaker tracks the live health of upstream AI providers and
// ranks them for routing. State is process-local and lost on restart; it is a
// routing hint, not a ledger.
package circuitbreaker

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenScore is the score of a provider whose circuit is open.
const OpenScore = -1000

const (
	DefaultFailureThreshold = 2
	DefaultBaseCooldown     = 30 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute
)

type Config struct {
	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

// State is a copy of one provider's health counters.
type State struct {
	Label               string
	Attempts            int
	Successes           int
	Failures            int
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	CooldownUntil       time.Time
	AverageLatencyMs    *int64 // nil until the first success
	LastError           string
}

// Score is a ranked view of one provider.
type Score struct {
	Label             string
	Score             float64
	Open              bool
	CooldownRemaining time.Duration
	State             State
}

// Ranking splits providers into usable ones, best first, and those whose
// circuit is open.
type Ranking struct {
	Active  []Score
	Skipped []Score
}

// Registry holds per-label provider health. It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
	cfg    Config
	clock  func() time.Time
}

// New creates a registry. Zero config fields take the defaults.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = DefaultBaseCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultMaxCooldown
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = cfg.BaseCooldown
	}
	return &Registry{
		states: make(map[string]*State),
		cfg:    cfg,
		clock:  time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

func (r *Registry) stateLocked(label string) *State {
	s, ok := r.states[label]
	if !ok {
		s = &State{Label: label}
		r.states[label] = s
	}
	return s
}

// RecordSuccess closes the circuit for label and folds latency into the
// moving average.
func (r *Registry) RecordSuccess(label string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stateLocked(label)
	s.Attempts++
	s.Successes++
	s.ConsecutiveFailures = 0
	s.CooldownUntil = time.Time{}
	s.LastError = ""
	s.LastSuccessAt = r.clock()

	sample := latency.Milliseconds()
	if s.AverageLatencyMs == nil {
		s.AverageLatencyMs = &sample
		return
	}
	avg := int64(math.Round(float64(*s.AverageLatencyMs)*0.7 + float64(sample)*0.3))
	s.AverageLatencyMs = &avg
}

// RecordFailure counts a failure and opens the circuit once the consecutive
// failure threshold is reached. Each further failure doubles the cooldown up
// to the configured maximum.
func (r *Registry) RecordFailure(label, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	s := r.stateLocked(label)
	s.Attempts++
	s.Failures++
	s.ConsecutiveFailures++
	s.LastFailureAt = now
	s.LastError = msg

	if s.ConsecutiveFailures >= r.cfg.FailureThreshold {
		s.CooldownUntil = now.Add(r.cooldown(s.ConsecutiveFailures - r.cfg.FailureThreshold))
	}
}

func (r *Registry) cooldown(exp int) time.Duration {
	d := r.cfg.BaseCooldown
	for i := 0; i < exp; i++ {
		if d >= r.cfg.MaxCooldown {
			break
		}
		d *= 2
	}
	if d > r.cfg.MaxCooldown {
		d = r.cfg.MaxCooldown
	}
	return d
}

// Allow returns ErrCircuitOpen while label is cooling down.
func (r *Registry) Allow(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[label]
	if !ok {
		return nil
	}
	if s.CooldownUntil.After(r.clock()) {
		return ErrCircuitOpen
	}
	return nil
}

func (r *Registry) Score(label string) Score {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scoreLocked(label, r.clock())
}

func (r *Registry) scoreLocked(label string, now time.Time) Score {
	s, ok := r.states[label]
	if !ok {
		return Score{Label: label, Score: 100, State: State{Label: label}}
	}
	state := copyState(s)

	if s.CooldownUntil.After(now) {
		return Score{
			Label:             label,
			Score:             OpenScore,
			Open:              true,
			CooldownRemaining: s.CooldownUntil.Sub(now),
			State:             state,
		}
	}

	successRate := 1.0
	if s.Attempts > 0 {
		successRate = float64(s.Successes) / float64(s.Attempts)
	}
	var latencyPenalty float64
	if s.AverageLatencyMs != nil {
		latencyPenalty = math.Min(35, float64(*s.AverageLatencyMs)/250)
	}
	failurePenalty := math.Min(60, float64(s.ConsecutiveFailures*12))

	return Score{
		Label: label,
		Score: successRate*100 - latencyPenalty - failurePenalty,
		State: state,
	}
}

// Rank scores each distinct label and sorts them best first. Open circuits go
// to Skipped; ties keep input order.
func (r *Registry) Rank(labels []string) Ranking {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	seen := make(map[string]bool, len(labels))
	scores := make([]Score, 0, len(labels))
	for _, label := range labels {
		if seen[label] {
			continue
		}
		seen[label] = true
		scores = append(scores, r.scoreLocked(label, now))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})

	var ranking Ranking
	for _, sc := range scores {
		if sc.Open {
			ranking.Skipped = append(ranking.Skipped, sc)
		} else {
			ranking.Active = append(ranking.Active, sc)
		}
	}
	return ranking
}

// Snapshot returns every known provider's score, sorted by label.
func (r *Registry) Snapshot() []Score {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	out := make([]Score, 0, len(r.states))
	for label := range r.states {
		out = append(out, r.scoreLocked(label, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Reset forgets all provider state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]*State)
}

func copyState(s *State) State {
	c := *s
	if s.AverageLatencyMs != nil {
		v := *s.AverageLatencyMs
		c.AverageLatencyMs = &v
	}
	return c
}
