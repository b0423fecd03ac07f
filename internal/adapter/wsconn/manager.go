package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"maas-ws/internal/domain"
	"maas-ws/internal/infra/config"
)

// State is the lifecycle of the managed socket.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultEventBuffer = 256

// Manager owns at most one socket to the backend and keeps it alive.
// It surfaces every state change and inbound message on Events and never
// interprets payloads.
type Manager struct {
	baseURL     string
	creds       domain.CredentialSource
	cfg         config.ConnectionConfig
	logger      *slog.Logger
	httpClient  *http.Client
	eventBuffer int

	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	limiter *rate.Limiter

	sendCh chan domain.RequestFrame
	events chan domain.ConnEvent
	state  atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{} // closed while conn is set
	started bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	writerOnce sync.Once
	closeOnce  sync.Once
}

// NewManager creates a connection manager. Nothing is dialed until Connect.
func NewManager(baseURL string, creds domain.CredentialSource, cfg config.ConnectionConfig, opts ...Option) *Manager {
	m := &Manager{
		baseURL:     baseURL,
		creds:       creds,
		cfg:         cfg,
		logger:      slog.Default(),
		eventBuffer: defaultEventBuffer,
		ready:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	m.sendCh = make(chan domain.RequestFrame, sendBuffer)
	m.events = make(chan domain.ConnEvent, m.eventBuffer)

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	m.limiter = rate.NewLimiter(limit, burst)
	m.breaker = newDialBreaker(cfg.Breaker, m.logger)

	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func newDialBreaker(cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*websocket.Conn] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "maas-dial",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Connect validates the credential and starts the connection loops. It
// returns once the loops are running; the outcome of each dial is reported
// on Events. A missing credential fails immediately and is never retried.
// Calling Connect while the loops are running is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	if State(m.state.Load()) == StateClosed {
		return domain.WrapOp("wsconn.Connect", domain.ErrSessionClosed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	cred, err := m.creds.Credential(ctx)
	if err != nil {
		return domain.WrapOp("wsconn.Connect", err)
	}
	if _, err := BuildURL(m.baseURL, cred.CSRFToken); err != nil {
		return domain.WrapOp("wsconn.Connect", err)
	}

	m.started = true
	m.state.Store(int32(StateConnecting))
	m.wg.Add(1)
	go m.supervise()
	m.writerOnce.Do(func() {
		m.wg.Add(1)
		go m.writeLoop()
	})
	return nil
}

// Send queues a frame for the write loop. Frames queued while the socket is
// down are written after the next successful dial.
func (m *Manager) Send(ctx context.Context, frame domain.RequestFrame) error {
	if State(m.state.Load()) == StateClosed {
		return domain.WrapOp("wsconn.Send", domain.ErrSessionClosed)
	}
	select {
	case m.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return domain.WrapOp("wsconn.Send", domain.ErrSessionClosed)
	}
}

// Events returns the channel of connection events. It is closed by Close.
func (m *Manager) Events() <-chan domain.ConnEvent {
	return m.events
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// BreakerState reports the dial breaker state. The doctor command prints it.
func (m *Manager) BreakerState() gobreaker.State {
	return m.breaker.State()
}

// Close stops all loops and closes the socket with a normal closure.
// Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.state.Store(int32(StateClosed))
		m.cancel()
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close(websocket.StatusNormalClosure, "client closing")
		}
		m.mu.Unlock()
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

func (m *Manager) emit(ev domain.ConnEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) supervise() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
	}()

	minDelay, maxDelay := m.cfg.ReconnectMinDelay, m.cfg.ReconnectMaxDelay
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	attempts := 0
	delay := minDelay
	for {
		if m.ctx.Err() != nil {
			return
		}

		conn, err := m.dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.emit(domain.ConnEvent{Kind: domain.ConnError, Err: err})
			if errors.Is(err, domain.ErrMissingCredential) {
				m.logger.Error("websocket credential missing, giving up", "error", err)
				m.state.Store(int32(StateIdle))
				return
			}
			attempts++
			if m.cfg.ReconnectAttempts > 0 && attempts >= m.cfg.ReconnectAttempts {
				m.logger.Error("websocket reconnect attempts exhausted", "attempts", attempts)
				m.state.Store(int32(StateIdle))
				m.emit(domain.ConnEvent{Kind: domain.ConnClose, Err: err})
				return
			}
			m.logger.Warn("websocket dial failed", "attempt", attempts, "retry_in", delay, "error", err)
			if !m.sleep(jitter(delay)) {
				return
			}
			delay = min(delay*2, maxDelay)
			continue
		}

		attempts = 0
		delay = minDelay
		m.setConn(conn)
		m.logger.Info("websocket connected", "url", m.baseURL)
		m.emit(domain.ConnEvent{Kind: domain.ConnOpen})

		readErr := m.readLoop(conn)
		m.clearConn()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if m.ctx.Err() != nil {
			return
		}

		m.logger.Warn("websocket disconnected", "error", readErr)
		m.emit(domain.ConnEvent{Kind: domain.ConnClose, Err: readErr})
		if !m.sleep(jitter(minDelay)) {
			return
		}
	}
}

// dial reads the credential fresh and opens one socket through the breaker.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	cred, err := m.creds.Credential(ctx)
	if err != nil {
		return nil, domain.WrapOp("wsconn.dial", err)
	}
	u, err := BuildURL(m.baseURL, cred.CSRFToken)
	if err != nil {
		return nil, domain.WrapOp("wsconn.dial", err)
	}

	header := http.Header{}
	cookie := "csrftoken=" + cred.CSRFToken
	if cred.SessionID != "" {
		cookie += "; sessionid=" + cred.SessionID
	}
	header.Set("Cookie", cookie)

	conn, err := m.breaker.Execute(func() (*websocket.Conn, error) {
		dialCtx := ctx
		if m.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
			defer cancel()
		}
		c, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
			HTTPClient: m.httpClient,
			HTTPHeader: header,
		})
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDialFailed, err)
	}
	if m.cfg.ReadLimit > 0 {
		conn.SetReadLimit(m.cfg.ReadLimit)
	}
	return conn, nil
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(m.ctx)
		if err != nil {
			return err
		}
		m.emit(domain.ConnEvent{Kind: domain.ConnMessage, Data: data})
	}
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case frame := <-m.sendCh:
			conn, ok := m.awaitConn()
			if !ok {
				return
			}
			if err := m.limiter.Wait(m.ctx); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout())
			err := wsjson.Write(ctx, conn, frame)
			cancel()
			if err != nil {
				if m.ctx.Err() != nil {
					return
				}
				m.logger.Warn("websocket write failed, dropping frame",
					"method", frame.Method,
					"request_id", frame.RequestID,
					"error", err,
				)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
			}
		}
	}
}

func (m *Manager) awaitConn() (*websocket.Conn, bool) {
	for {
		m.mu.Lock()
		conn, ready := m.conn, m.ready
		m.mu.Unlock()
		if conn != nil {
			return conn, true
		}
		select {
		case <-ready:
		case <-m.ctx.Done():
			return nil, false
		}
	}
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	close(m.ready)
	m.mu.Unlock()
	m.state.Store(int32(StateOpen))
}

func (m *Manager) clearConn() {
	m.mu.Lock()
	m.conn = nil
	m.ready = make(chan struct{})
	m.mu.Unlock()
	if State(m.state.Load()) != StateClosed {
		m.state.Store(int32(StateConnecting))
	}
}

func (m *Manager) writeTimeout() time.Duration {
	if m.cfg.WriteTimeout > 0 {
		return m.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// jitter adds up to 25% random delay to spread out reconnecting clients.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(spread))
}

var _ domain.Transport = (*Manager)(nil)
