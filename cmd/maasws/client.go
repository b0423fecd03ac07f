package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maas-ws/internal/adapter/filecontext"
	"maas-ws/internal/adapter/wsconn"
	"maas-ws/internal/domain"
	"maas-ws/internal/infra/config"
	"maas-ws/internal/infra/tracer"
	"maas-ws/internal/usecase/eventbus"
	"maas-ws/internal/usecase/rpc"
)

var errStreamClosed = errors.New("event stream closed")

// client is one running session plus the resources it was built from.
type client struct {
	session *rpc.Session
	bus     *eventbus.Bus
	store   filecontext.Store
	events  <-chan domain.Event

	cancel   context.CancelFunc
	stopped  chan struct{}
	runErr   error
	shutdown func(context.Context) error
}

// connect wires the stack and starts the session. Events published from
// here on are available through next.
func (a *app) connect(ctx context.Context) (*client, error) {
	shutdown, err := tracer.Setup(ctx, a.cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	store, err := filecontext.Open(a.cfg.FileContext)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("file context: %w", err)
	}

	transport := wsconn.NewManager(a.cfg.Server.URL, credentialSource(a.cfg), a.cfg.Connection, wsconn.WithLogger(a.log))
	bus := eventbus.New(a.log)
	session := rpc.NewSession(transport, bus, store,
		rpc.WithLogger(a.log),
		rpc.WithConfig(a.cfg.RPC),
	)

	runCtx, cancel := context.WithCancel(ctx)
	c := &client{
		session:  session,
		bus:      bus,
		store:    store,
		events:   bus.Stream(runCtx),
		cancel:   cancel,
		stopped:  make(chan struct{}),
		shutdown: shutdown,
	}
	go func() {
		defer close(c.stopped)
		c.runErr = session.Run(runCtx)
	}()
	return c, nil
}

// next returns the next published event. It fails when ctx is done or the
// session stops on its own.
func (c *client) next(ctx context.Context) (domain.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return domain.Event{}, errStreamClosed
		}
		return ev, nil
	case <-c.stopped:
		if c.runErr != nil {
			return domain.Event{}, c.runErr
		}
		return domain.Event{}, domain.ErrSessionClosed
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

// Close stops the session and releases everything connect opened.
func (c *client) Close() error {
	err := c.session.Close()
	c.cancel()
	<-c.stopped
	c.bus.Close()
	err = errors.Join(err, c.store.Close(), c.shutdown(context.Background()))
	return err
}

// credentialSource reads the configured env vars on every dial and falls
// back to the static values from the config file.
func credentialSource(cfg *config.Config) wsconn.EnvCredentials {
	return wsconn.EnvCredentials{
		CSRFTokenEnv: cfg.Server.CSRFTokenEnv,
		SessionIDEnv: cfg.Server.SessionIDEnv,
		Fallback: domain.Credential{
			CSRFToken: cfg.Server.CSRFToken,
			SessionID: cfg.Server.SessionID,
		},
	}
}

// parseEndpoint splits "model.method".
func parseEndpoint(s string) (model, method string, err error) {
	model, method, ok := strings.Cut(s, ".")
	if !ok || model == "" || method == "" {
		return "", "", fmt.Errorf("endpoint %q must look like model.method", s)
	}
	return model, method, nil
}
