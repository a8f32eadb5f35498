package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

// ErrRunCancelled is returned by an executor that observed the run's
// cancellation request and stopped early.
var ErrRunCancelled = errors.New("run cancelled")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The run fails immediately even
// when attempts remain.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExecResult is what an executor hands back on success.
type ExecResult struct {
	Metadata    json.RawMessage // merged into the run's metadata
	Output      []byte          // archived to the artifact store when one is configured
	ContentType string
}

// RunHandle lets an executor report progress and poll for cancellation while
// it works. Cancellation is advisory: nothing interrupts an executor that
// never asks.
type RunHandle interface {
	ReportProgress(ctx context.Context, pct int) error
	CancelRequested(ctx context.Context) (bool, error)
}

// Executor performs the work of one run type. Implementations must be safe to
// run more than once for the same run: a run whose lease expires can be
// executed again by another dispatcher.
type Executor interface {
	Execute(ctx context.Context, run domain.BackgroundRun, h RunHandle) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run domain.BackgroundRun, h RunHandle) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, run domain.BackgroundRun, h RunHandle) (ExecResult, error) {
	return f(ctx, run, h)
}

// Registry maps run types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(runType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[runType] = e
}

func (r *Registry) Lookup(runType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[runType]
	return e, ok
}

// RunTypes returns the registered run types in sorted order.
func (r *Registry) RunTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
