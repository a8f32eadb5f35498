// Package channel is the in-process bus that carries run events from the
// dispatcher and watchdog to side-channel consumers (analytics, failure
// notification). Emitting never blocks a state transition for long: a full
// buffer drops the event after a short wait.
package channel

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

var ErrBufferFull = errors.New("event bus buffer full")

const DefaultEmitTimeout = 100 * time.Millisecond

// MetricsSink defines the interface for recording bus metrics.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

// Handler consumes one event. Errors are logged and do not stop the bus.
type Handler interface {
	HandleRunEvent(ctx context.Context, event domain.RunEvent) error
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) { b.metrics = sink }
}

type EventBus struct {
	ch          chan domain.RunEvent
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.RunEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

func (b *EventBus) Emit(ctx context.Context, event domain.RunEvent) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.recordSize()
		return nil
	case <-ctx.Done():
		b.recordError()
		return ctx.Err()
	case <-timer.C:
		b.recordError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.RunEvent {
	return b.ch
}

// Consume delivers events to every handler until ctx is cancelled. Handlers
// run sequentially per event.
func (b *EventBus) Consume(ctx context.Context, handlers ...Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.ch:
			b.recordSize()
			deliver(ctx, event, handlers)
		}
	}
}

func deliver(ctx context.Context, event domain.RunEvent, handlers []Handler) {
	for _, h := range handlers {
		if err := h.HandleRunEvent(ctx, event); err != nil {
			log.Printf("eventbus: run=%s status=%s handler failed: %v", event.RunID, event.Status, err)
		}
	}
}

func (b *EventBus) recordSize() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) recordError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event domain.RunEvent) error

func (f HandlerFunc) HandleRunEvent(ctx context.Context, event domain.RunEvent) error {
	return f(ctx, event)
}

// Inline delivers each event to its handlers on the emitting goroutine. Used
// by one-shot invocations that exit before a consumer could drain a buffer.
type Inline []Handler

func (in Inline) Emit(ctx context.Context, event domain.RunEvent) error {
	deliver(ctx, event, in)
	return nil
}
