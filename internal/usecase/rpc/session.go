package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"maas-ws/internal/domain"
	"maas-ws/internal/infra/config"
)

// Session is one client of the backend: a transport, the loop that owns all
// request state, and the events it publishes. Independent sessions share
// nothing and can run side by side.
type Session struct {
	id        string
	transport domain.Transport
	bus       domain.EventBus
	store     domain.FileContextStore
	cfg       config.RPCConfig
	logger    *slog.Logger

	inbox chan command

	// Loop-owned state.
	registry *Registry
	loaded   *LoadedSet
	batches  *BatchEngine
	chains   *ChainResolver
	polls    *Poller
	waiters  map[string][]*notifyWaiter

	running   atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // sequencers
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithConfig sets the loop tuning.
func WithConfig(cfg config.RPCConfig) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession creates a session over transport. The session owns transport
// and closes it; bus and store belong to the caller.
func NewSession(transport domain.Transport, bus domain.EventBus, store domain.FileContextStore, opts ...Option) *Session {
	s := &Session{
		id:        newSessionID(),
		transport: transport,
		bus:       bus,
		store:     store,
		cfg:       config.Defaults().RPC,
		logger:    slog.Default(),
		registry:  NewRegistry(),
		loaded:    NewLoadedSet(),
		batches:   NewBatchEngine(),
		chains:    NewChainResolver(),
		waiters:   make(map[string][]*notifyWaiter),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("session_id", s.id)

	inboxSize := s.cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 128
	}
	s.inbox = make(chan command, inboxSize)
	s.polls = NewPoller(s.logger, s.cfg.DefaultPollInterval)
	return s
}

func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the session id stamped on every published event.
func (s *Session) ID() string { return s.id }

// FileContext returns the store holding file-context payloads. Callers own
// deletion of the keys they requested.
func (s *Session) FileContext() domain.FileContextStore { return s.store }

// Dispatch submits one logical request. Results arrive as events; the only
// synchronous errors are an invalid request or a closed session.
func (s *Session) Dispatch(ctx context.Context, req domain.LogicalRequest) error {
	if s.closed.Load() {
		return domain.WrapOp("Session.Dispatch", domain.ErrSessionClosed)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return s.post(ctx, command{kind: cmdDispatch, req: req.Clone()})
}

// post hands a command to the loop.
func (s *Session) post(ctx context.Context, cmd command) error {
	select {
	case s.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.WrapOp("Session.Dispatch", domain.ErrSessionClosed)
	}
}

// Run connects the transport and runs the dispatch loop until ctx is done
// or Close is called. Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s already running", s.id)
	}
	defer close(s.stopped)
	if s.closed.Load() {
		return domain.WrapOp("Session.Run", domain.ErrSessionClosed)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.transport.Connect(ctx); err != nil {
		return domain.WrapOp("Session.Run", err)
	}
	if err := s.polls.Open(ctx); err != nil {
		return domain.WrapOp("Session.Run", err)
	}
	s.logger.Info("session started")

	err := s.loop(ctx)

	cancel()
	if perr := s.polls.Close(); perr != nil {
		s.logger.Warn("stop polls", "error", perr)
	}
	s.wg.Wait()
	s.abandon()
	s.logger.Info("session stopped", "reason", err)

	if s.closed.Load() || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the loop, every poll and sequencer, and closes the transport.
// Close is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.running.Load() {
			<-s.stopped
		}
		err = s.transport.Close()
	})
	return err
}

// abandon ends the spans of requests that never got a response.
func (s *Session) abandon() {
	for _, f := range s.registry.Drain() {
		if f.span != nil {
			f.span.End()
		}
	}
}
