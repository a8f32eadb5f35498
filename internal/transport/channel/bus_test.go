package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

var occurred = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func runEvent(runID uuid.UUID, status domain.RunStatus, attempt int) domain.RunEvent {
	return domain.RunEvent{
		RunID:        runID,
		ProjectID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		UserID:       uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
		RunType:      "generate_app",
		Status:       status,
		AttemptCount: attempt,
		OccurredAt:   occurred,
	}
}

// journal records deliveries as "<run>:<status>#<attempt>".
type journal struct {
	mu      sync.Mutex
	entries []string
	failOn  domain.RunStatus
}

func (j *journal) HandleRunEvent(ctx context.Context, e domain.RunEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf("%s:%s#%d", e.RunID.String()[:4], e.Status, e.AttemptCount))
	if e.Status == j.failOn {
		return errors.New("sendgrid: 503")
	}
	return nil
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := j.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("saw %d deliveries, want %d", len(j.snapshot()), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func consume(t *testing.T, bus *EventBus, handlers ...Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Consume(ctx, handlers...)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEventBus_RetriedRunLifecycleInOrder(t *testing.T) {
	bus := NewEventBus(8)
	j := &journal{}
	consume(t, bus, j)

	id := uuid.MustParse("abcd0000-0000-0000-0000-000000000001")
	for _, e := range []domain.RunEvent{
		runEvent(id, domain.RunStatusQueued, 1),
		runEvent(id, domain.RunStatusSucceeded, 2),
	} {
		if err := bus.Emit(context.Background(), e); err != nil {
			t.Fatalf("Emit(%s): %v", e.Status, err)
		}
	}

	got := j.waitFor(t, 2)
	if got[0] != "abcd:queued#1" || got[1] != "abcd:succeeded#2" {
		t.Errorf("deliveries = %v", got)
	}
}

func TestEventBus_FailingHandlerDoesNotStarveOthers(t *testing.T) {
	bus := NewEventBus(4)
	notifier := &journal{failOn: domain.RunStatusFailed}
	counters := &journal{}
	consume(t, bus, notifier, counters)

	id := uuid.MustParse("ffff0000-0000-0000-0000-000000000002")
	_ = bus.Emit(context.Background(), runEvent(id, domain.RunStatusFailed, 3))
	_ = bus.Emit(context.Background(), runEvent(id, domain.RunStatusCancelled, 3))

	if got := counters.waitFor(t, 2); got[0] != "ffff:failed#3" || got[1] != "ffff:cancelled#3" {
		t.Errorf("counters saw %v", got)
	}
	if got := notifier.snapshot(); len(got) != 2 {
		t.Errorf("notifier saw %v", got)
	}
}

func TestEventBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	metrics := &busMetrics{}
	bus := NewEventBus(1, WithEmitTimeout(20*time.Millisecond), WithMetrics(metrics))
	ctx := context.Background()

	if err := bus.Emit(ctx, runEvent(uuid.New(), domain.RunStatusRunning, 1)); err != nil {
		t.Fatalf("first Emit: %v", err)
	}

	start := time.Now()
	err := bus.Emit(ctx, runEvent(uuid.New(), domain.RunStatusSucceeded, 1))
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("Emit blocked for %v", waited)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := bus.Emit(cancelled, runEvent(uuid.New(), domain.RunStatusFailed, 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled emit: err = %v", err)
	}
	if got := metrics.errors(); got != 2 {
		t.Errorf("EmitError calls = %d, want 2", got)
	}
}

func TestEventBus_ConcurrentDispatchersAllDelivered(t *testing.T) {
	const dispatchers, runsEach = 8, 50
	bus := NewEventBus(dispatchers * runsEach)
	j := &journal{}
	consume(t, bus, j)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < runsEach; k++ {
				if err := bus.Emit(context.Background(), runEvent(uuid.New(), domain.RunStatusSucceeded, 1)); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if failed != 0 {
		t.Fatalf("%d emits failed", failed)
	}
	j.waitFor(t, dispatchers*runsEach)
}

type busMetrics struct {
	mu         sync.Mutex
	capacity   []int
	sizes      []int
	saturation []float64
	emitErrors int
}

func (m *busMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *busMetrics) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = append(m.capacity, capacity)
}

func (m *busMetrics) BufferSaturationUpdate(saturation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saturation = append(m.saturation, saturation)
}

func (m *busMetrics) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErrors++
}

func (m *busMetrics) errors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitErrors
}

func TestEventBus_SaturationTracksBacklog(t *testing.T) {
	metrics := &busMetrics{}
	bus := NewEventBus(4, WithMetrics(metrics))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := bus.Emit(ctx, runEvent(uuid.New(), domain.RunStatusQueued, i)); err != nil {
			t.Fatal(err)
		}
	}
	<-bus.Channel()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.capacity) != 1 || metrics.capacity[0] != 4 {
		t.Errorf("capacity = %v", metrics.capacity)
	}
	if len(metrics.sizes) != 2 || metrics.sizes[0] != 1 || metrics.sizes[1] != 2 {
		t.Errorf("sizes = %v", metrics.sizes)
	}
	if len(metrics.saturation) != 2 || metrics.saturation[1] != 0.5 {
		t.Errorf("saturation = %v", metrics.saturation)
	}
}

func TestEventBus_Options(t *testing.T) {
	if got := NewEventBus(1).emitTimeout; got != DefaultEmitTimeout {
		t.Errorf("default emitTimeout = %v", got)
	}
	if got := NewEventBus(1, WithEmitTimeout(time.Second)).emitTimeout; got != time.Second {
		t.Errorf("emitTimeout = %v", got)
	}
}

func TestInline_DeliversBeforeReturning(t *testing.T) {
	notifier := &journal{failOn: domain.RunStatusFailed}
	counters := &journal{}
	in := Inline{notifier, counters}

	id := uuid.MustParse("1234abcd-0000-0000-0000-000000000003")
	if err := in.Emit(context.Background(), runEvent(id, domain.RunStatusFailed, 2)); err != nil {
		t.Fatalf("handler errors must not surface: %v", err)
	}
	if got := counters.snapshot(); len(got) != 1 || got[0] != "1234:failed#2" {
		t.Errorf("counters saw %v", got)
	}
}
