package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"maas-ws/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Name: "machine/list" + string(t), Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSuccess, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventSuccess {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventSuccess))
	bus.Publish(context.Background(), newEvent(domain.EventError))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventStart))
	bus.Publish(context.Background(), newEvent(domain.EventNotify))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestDeliveryOrder(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var names []string
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		names = append(names, e.Name)
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("event-%02d", i)
		want = append(want, name)
		bus.Publish(context.Background(), domain.Event{Type: domain.EventNotify, Name: name})
	}
	bus.Close()

	assert.Equal(t, want, names)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventSuccess, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	unsub() // idempotent
	bus.Publish(context.Background(), newEvent(domain.EventSuccess))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsub, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSuccess, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventSuccess))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics
	bus.Subscribe(domain.EventSuccess, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	// Second subscriber should still fire
	bus.Subscribe(domain.EventSuccess, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSuccess))
	bus.Publish(context.Background(), newEvent(domain.EventSuccess))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSuccess, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSuccess))
	bus.Close() // should block until the handler finishes
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventSuccess))
	unsub := bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}

func TestStream(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Stream(ctx)
	bus.Publish(ctx, newEvent(domain.EventStart))
	bus.Publish(ctx, newEvent(domain.EventSuccess))

	first := <-ch
	second := <-ch
	assert.Equal(t, domain.EventStart, first.Type)
	assert.Equal(t, domain.EventSuccess, second.Type)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	bus.Close()
}

func TestStreamClosedByBusClose(t *testing.T) {
	bus := newTestBus()
	ch := bus.Stream(context.Background())

	bus.Publish(context.Background(), newEvent(domain.EventComplete))
	bus.Close()

	var got []domain.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventComplete, got[0].Type)
}

func TestStreamAfterClose(t *testing.T) {
	bus := newTestBus()
	bus.Close()

	_, ok := <-bus.Stream(context.Background())
	assert.False(t, ok)
}
