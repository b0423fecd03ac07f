package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maas-ws/internal/adapter/filecontext"
	"maas-ws/internal/domain"
	"maas-ws/internal/infra/config"
	"maas-ws/internal/infra/logger"
	"maas-ws/internal/usecase/eventbus"
)

// fakeTransport records outbound frames and lets tests inject inbound ones.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []domain.RequestFrame
	sentCh     chan domain.RequestFrame
	events     chan domain.ConnEvent
	connectErr error
	sendErr    error
	closed     bool

	// lazy makes Connect return before the socket opens, like the real
	// manager; tests inject ConnOpen themselves.
	lazy bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh: make(chan domain.RequestFrame, 256),
		events: make(chan domain.ConnEvent, 256),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	if !f.lazy {
		f.events <- domain.ConnEvent{Kind: domain.ConnOpen}
	}
	return nil
}

func (f *fakeTransport) Send(_ context.Context, frame domain.RequestFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	f.sentCh <- frame
	return nil
}

func (f *fakeTransport) Events() <-chan domain.ConnEvent { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sentFrames() []domain.RequestFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RequestFrame(nil), f.sent...)
}

func (f *fakeTransport) sentTo(method string) []domain.RequestFrame {
	var out []domain.RequestFrame
	for _, fr := range f.sentFrames() {
		if fr.Method == method {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeTransport) inject(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.events <- domain.ConnEvent{Kind: domain.ConnMessage, Data: data}
}

func (f *fakeTransport) respond(t *testing.T, id uint64, result any) {
	t.Helper()
	f.inject(t, map[string]any{"type": domain.MessageResponse, "request_id": id, "result": result})
}

func (f *fakeTransport) respondError(t *testing.T, id uint64, errBody any) {
	t.Helper()
	f.inject(t, map[string]any{"type": domain.MessageResponse, "request_id": id, "error": errBody})
}

func (f *fakeTransport) notify(t *testing.T, name, action string, data any) {
	t.Helper()
	f.inject(t, map[string]any{"type": domain.MessageNotify, "name": name, "action": action, "data": data})
}

// nextSent waits for the next outbound frame.
func (f *fakeTransport) nextSent(t *testing.T) domain.RequestFrame {
	t.Helper()
	select {
	case fr := <-f.sentCh:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent frame")
		return domain.RequestFrame{}
	}
}

// expectNoSend asserts nothing is sent within d.
func (f *fakeTransport) expectNoSend(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case fr := <-f.sentCh:
		t.Fatalf("unexpected send: %s id=%d", fr.Method, fr.RequestID)
	case <-time.After(d):
	}
}

// recorder captures every published event in order.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) named(name string) []domain.Event {
	var out []domain.Event
	for _, e := range r.all() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, name string) domain.Event {
	t.Helper()
	var got domain.Event
	require.Eventually(t, func() bool {
		evs := r.named(name)
		if len(evs) == 0 {
			return false
		}
		got = evs[0]
		return true
	}, 2*time.Second, 5*time.Millisecond, "event %q never published", name)
	return got
}

func (r *recorder) waitCount(t *testing.T, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.named(name)) >= n
	}, 2*time.Second, 5*time.Millisecond, "event %q published fewer than %d times", name, n)
}

type harness struct {
	session   *Session
	transport *fakeTransport
	events    *recorder
	store     *filecontext.MemoryStore
	flushes   int
}

func testRPCConfig() config.RPCConfig {
	cfg := config.Defaults().RPC
	cfg.DefaultPollInterval = 20 * time.Millisecond
	cfg.NotifyTimeout = time.Second
	return cfg
}

// startSession runs a session over a fake transport until the test ends.
func startSession(t *testing.T, cfg config.RPCConfig) *harness {
	t.Helper()
	h := runSession(t, cfg, newFakeTransport())
	h.events.waitFor(t, string(domain.EventConnected))
	return h
}

// startLazySession runs a session whose transport has not opened yet.
func startLazySession(t *testing.T, cfg config.RPCConfig) *harness {
	t.Helper()
	ft := newFakeTransport()
	ft.lazy = true
	return runSession(t, cfg, ft)
}

func runSession(t *testing.T, cfg config.RPCConfig, ft *fakeTransport) *harness {
	t.Helper()
	h := &harness{
		transport: ft,
		events:    &recorder{},
		store:     filecontext.NewMemoryStore(),
	}
	bus := eventbus.New(logger.Discard())
	bus.SubscribeAll(h.events.handle)
	h.session = NewSession(h.transport, bus, h.store,
		WithLogger(logger.Discard()),
		WithConfig(cfg),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- h.session.Run(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, h.session.Close())
		require.NoError(t, <-runErr)
		bus.Close()
	})
	return h
}

// open injects a socket open and waits for the loop to publish it.
func (h *harness) open(t *testing.T) {
	t.Helper()
	n := len(h.events.named(string(domain.EventConnected)))
	h.transport.events <- domain.ConnEvent{Kind: domain.ConnOpen}
	h.events.waitCount(t, string(domain.EventConnected), n+1)
}

// reconnect injects a socket close followed by an open.
func (h *harness) reconnect(t *testing.T) {
	t.Helper()
	h.transport.events <- domain.ConnEvent{Kind: domain.ConnClose}
	h.open(t)
}

func (h *harness) dispatch(t *testing.T, req domain.LogicalRequest) {
	t.Helper()
	require.NoError(t, h.session.Dispatch(context.Background(), req))
}

// barrier dispatches a throwaway request and waits for it on the wire, so
// every command posted earlier has been handled.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	h.dispatch(t, domain.LogicalRequest{Model: "barrier", Method: "ping", Cache: domain.CacheBypass})
	for {
		if fr := h.transport.nextSent(t); fr.Method == "barrier.ping" {
			return
		}
	}
}

// eventBarrier injects a notify and waits for it, so every inbound frame
// injected earlier has been handled.
func (h *harness) eventBarrier(t *testing.T) {
	t.Helper()
	h.flushes++
	action := fmt.Sprintf("flush%d", h.flushes)
	h.transport.notify(t, "barrier", action, nil)
	h.events.waitFor(t, domain.NotifyName("barrier", action))
}
