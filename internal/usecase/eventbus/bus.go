package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"maas-ws/internal/domain"
)

// streamBuffer is the channel capacity handed out by Stream.
const streamBuffer = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns an unbounded FIFO drained by a single goroutine, so every
// subscriber observes events in publish order.
type subscriber struct {
	id      uint64
	typ     domain.EventType // empty matches every event
	handler domain.EventHandler

	mu      sync.Mutex
	queue   []delivery
	stopped bool
	wake    chan struct{}
	exited  chan struct{}
	onExit  func()
}

func (s *subscriber) push(d delivery) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.signal()
}

// stop ends delivery. Queued events are still handed to the handler unless
// drop is set.
func (s *subscriber) stop(drop bool) {
	s.mu.Lock()
	s.stopped = true
	if drop {
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (delivery, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue[0] = delivery{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return d, true
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return delivery{}, false
		}
		<-s.wake
	}
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks on
// slow handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish queues an event for every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	for _, s := range b.subs {
		if s.typ == "" || s.typ == event.Type {
			s.push(delivery{ctx: ctx, event: event})
		}
	}
	b.mu.RUnlock()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	s := b.add(eventType, handler, nil)
	if s == nil {
		return func() {}
	}
	return func() { b.remove(s.id) }
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.Subscribe("", handler)
}

// Stream returns a channel carrying every event published after the call.
// The channel is closed when ctx is done or the bus is closed.
func (b *Bus) Stream(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, streamBuffer)
	s := b.add("", func(_ context.Context, e domain.Event) {
		select {
		case ch <- e:
		case <-ctx.Done():
		}
	}, func() { close(ch) })
	if s == nil {
		close(ch)
		return ch
	}

	go func() {
		select {
		case <-ctx.Done():
			b.remove(s.id)
		case <-s.exited:
		}
	}()
	return ch
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler, onExit func()) *subscriber {
	s := &subscriber{
		id:      b.nextID.Add(1),
		typ:     eventType,
		handler: handler,
		wake:    make(chan struct{}, 1),
		exited:  make(chan struct{}),
		onExit:  onExit,
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)
	return s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			s.stop(true)
			return
		}
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	defer close(s.exited)
	if s.onExit != nil {
		defer s.onExit()
	}
	for {
		d, ok := s.next()
		if !ok {
			return
		}
		b.invoke(s, d)
	}
}

func (b *Bus) invoke(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", d.event.Name,
				"type", string(d.event.Type),
				"session_id", domain.SessionIDFromContext(d.ctx),
				"endpoint", string(domain.EndpointFromContext(d.ctx)),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Close prevents new publishes and waits for queued events to be delivered.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for _, s := range b.subs {
		s.stop(false)
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
