package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"maas-ws/internal/domain"
	"maas-ws/internal/infra/tracer"
)

type commandKind int

const (
	cmdDispatch commandKind = iota
	cmdPollTick
	cmdSendItem
	cmdNotifyTimeout
)

// command is the unit of work posted into the loop inbox.
type command struct {
	kind   commandKind
	req    *domain.LogicalRequest
	key    string // poll key for cmdPollTick
	gen    uint64 // poll generation for cmdPollTick
	waiter *notifyWaiter
}

func (s *Session) loop(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.inbox:
			s.handleCommand(ctx, cmd)
		case ev, ok := <-events:
			if !ok {
				return domain.WrapOp("Session.loop", domain.ErrNotConnected)
			}
			s.handleConnEvent(ctx, ev)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdDispatch:
		s.dispatch(ctx, cmd.req)
	case cmdPollTick:
		if !s.polls.Current(cmd.key, cmd.gen) {
			s.logger.Debug("dropping tick for stopped poll", "poll_key", cmd.key)
			return
		}
		s.send(ctx, cmd.req)
	case cmdSendItem:
		if cmd.waiter != nil {
			s.waiters[cmd.waiter.name] = append(s.waiters[cmd.waiter.name], cmd.waiter)
		}
		if err := s.sendWire(ctx, cmd.req); err != nil && cmd.waiter != nil {
			s.removeWaiter(cmd.waiter)
			cmd.waiter.ch <- err
		}
	case cmdNotifyTimeout:
		if !s.removeWaiter(cmd.waiter) {
			return
		}
		s.logger.Warn("notify wait timed out", "type", cmd.req.ActionType(), "notify", cmd.waiter.name)
		s.emitError(ctx, cmd.req, 0, domain.ErrNotifyTimeout.Error())
		cmd.waiter.ch <- domain.ErrNotifyTimeout
	}
}

// dispatch resolves the request kind once and routes poll control before
// the regular send path.
func (s *Session) dispatch(ctx context.Context, req *domain.LogicalRequest) {
	switch domain.ResolveKind(req) {
	case domain.KindPollStop:
		s.stopPoll(ctx, req)
	case domain.KindPolling:
		s.startPoll(ctx, req)
	default:
		s.send(ctx, req)
	}
}

func (s *Session) startPoll(ctx context.Context, req *domain.LogicalRequest) {
	key := req.PollKey()
	base := req.Clone()
	base.Poll = nil
	base.Cache = domain.CacheBypass

	started, err := s.polls.Start(key, req.Poll.Interval, func(tickCtx context.Context, gen uint64) error {
		return s.post(tickCtx, command{kind: cmdPollTick, req: base.Clone(), key: key, gen: gen})
	})
	if err != nil {
		s.logger.Error("start poll", "poll_key", key, "error", err)
		s.emitError(ctx, req, 0, err.Error())
		return
	}
	if !started {
		s.logger.Debug("poll already running", "poll_key", key)
		return
	}
	s.logger.Info("polling started", "poll_key", key)
	s.emit(ctx, domain.Event{
		Type:     domain.EventPollingStarted,
		Name:     domain.EventName(req.ActionType(), domain.EventPollingStarted),
		Endpoint: req.Endpoint(),
	})
	s.send(ctx, base.Clone())
}

func (s *Session) stopPoll(ctx context.Context, req *domain.LogicalRequest) {
	key := req.PollKey()
	if !s.polls.Stop(key) {
		s.logger.Debug("poll not running", "poll_key", key)
		return
	}
	s.logger.Info("polling stopped", "poll_key", key)
	s.emit(ctx, domain.Event{
		Type:     domain.EventPollingStopped,
		Name:     domain.EventName(req.ActionType(), domain.EventPollingStopped),
		Endpoint: req.Endpoint(),
	})
}

// send runs the common send path: loaded-set check, Start event, then one
// wire frame or a notify-sequenced series of frames.
func (s *Session) send(ctx context.Context, req *domain.LogicalRequest) {
	if !s.loaded.ShouldSend(req) {
		s.logger.Debug("endpoint already loaded", "endpoint", req.Endpoint())
		return
	}
	s.emit(ctx, domain.Event{
		Type:     domain.EventStart,
		Name:     domain.EventName(req.ActionType(), domain.EventStart),
		Endpoint: req.Endpoint(),
		Item:     req.Params,
	})

	if req.Multiple {
		s.startSequence(ctx, req)
		return
	}
	_ = s.sendWire(ctx, req)
}

// sendWire allocates an id, records the per-id contexts and hands the frame
// to the transport. A failed send is reported as a request error.
func (s *Session) sendWire(ctx context.Context, req *domain.LogicalRequest) error {
	kind := domain.ResolveKind(req)
	f := s.registry.Allocate(req, kind)
	switch kind {
	case domain.KindPaginated:
		s.batches.Track(f.ID, req)
	case domain.KindChained:
		s.chains.Store(f.ID, req.FollowUps)
	}

	_, f.span = tracer.StartSpan(ctx, "rpc.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracer.RequestAttrs(req.Endpoint(), f.ID, kind)...),
	)

	frame := domain.RequestFrame{
		Method:    string(req.Endpoint()),
		Type:      domain.MessageRequest,
		Params:    req.Params,
		RequestID: f.ID,
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.registry.Take(f.ID)
		s.batches.Drop(f.ID)
		s.chains.Drop(f.ID)
		tracer.RecordError(f.span, err)
		f.span.End()
		level := slog.LevelError
		if domain.IsTransportError(err) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "send failed", "endpoint", req.Endpoint(), "request_id", f.ID, "error", err)
		s.emitError(ctx, req, f.ID, err.Error())
		return err
	}
	s.logger.Debug("request sent", "endpoint", req.Endpoint(), "request_id", f.ID, "kind", kind.String())
	return nil
}

func (s *Session) handleConnEvent(ctx context.Context, ev domain.ConnEvent) {
	switch ev.Kind {
	case domain.ConnOpen:
		s.loaded.Reset()
		// Requests queued while the socket was down go out on this one.
		for _, f := range s.registry.Current() {
			s.loaded.Mark(f.Request)
		}
		s.emit(ctx, domain.Event{Type: domain.EventConnected, Name: string(domain.EventConnected)})
	case domain.ConnClose:
		s.registry.Advance()
		e := domain.Event{Type: domain.EventDisconnected, Name: string(domain.EventDisconnected)}
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
		s.emit(ctx, e)
	case domain.ConnError:
		e := domain.Event{Type: domain.EventConnError, Name: string(domain.EventConnError)}
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
		s.emit(ctx, e)
	case domain.ConnMessage:
		s.handleMessage(ctx, ev.Data)
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) {
	frame, err := domain.DecodeInbound(data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	if frame.Type == domain.MessageNotify {
		s.handleNotify(ctx, frame)
		return
	}

	if frame.RequestID == nil {
		s.logger.Debug("dropping response without request id")
		return
	}
	f, ok := s.registry.Take(*frame.RequestID)
	if !ok {
		s.logger.Debug("dropping response with unknown request id", "request_id", *frame.RequestID)
		return
	}
	s.handleResponse(ctx, f, frame)
}

func (s *Session) handleNotify(ctx context.Context, frame *domain.InboundFrame) {
	name := domain.NotifyName(frame.Name, frame.Action)
	s.emit(ctx, domain.Event{
		Type:    domain.EventNotify,
		Name:    name,
		Payload: frame.Data,
	})

	if queue := s.waiters[name]; len(queue) > 0 {
		w := queue[0]
		s.waiters[name] = queue[1:]
		if len(s.waiters[name]) == 0 {
			delete(s.waiters, name)
		}
		w.ch <- nil
	}
}

func (s *Session) handleResponse(ctx context.Context, f *Inflight, frame *domain.InboundFrame) {
	req := f.Request
	defer f.span.End()
	f.span.SetAttributes(tracer.StringAttr("rpc.latency", time.Since(f.SentAt).String()))

	if frame.HasError() {
		s.batches.Drop(f.ID)
		s.chains.Drop(f.ID)
		tracer.RecordError(f.span, fmt.Errorf("%s", frame.Error))
		s.emitError(ctx, req, f.ID, decodeErrorBody(frame.Error))
		return
	}

	if req.FileContext != nil {
		s.batches.Drop(f.ID)
		if s.store == nil {
			tracer.RecordError(f.span, errNoStore)
			s.emitError(ctx, req, f.ID, errNoStore.Error())
			return
		}
		if err := s.store.Put(ctx, req.FileContext.Key, unquote(frame.Result)); err != nil {
			tracer.RecordError(f.span, err)
			s.logger.Error("store file context", "key", req.FileContext.Key, "error", err)
			s.emitError(ctx, req, f.ID, err.Error())
			return
		}
		tracer.SetOK(f.span)
		s.emitSuccess(ctx, req, f.ID, nil)
		s.resolveChain(ctx, f.ID, frame.Result)
		return
	}

	result := frame.Result
	if req.JSONResponse {
		decoded, err := decodeJSONResponse(result)
		if err != nil {
			s.batches.Drop(f.ID)
			s.chains.Drop(f.ID)
			tracer.RecordError(f.span, err)
			s.emitError(ctx, req, f.ID, domain.ErrParseResponse.Error())
			return
		}
		result = decoded
	}

	tracer.SetOK(f.span)
	s.emitSuccess(ctx, req, f.ID, result)
	s.continueBatch(ctx, f.ID, req, result)
	s.resolveChain(ctx, f.ID, result)
}

func (s *Session) continueBatch(ctx context.Context, id uint64, req *domain.LogicalRequest, result json.RawMessage) {
	next, outcome, err := s.batches.Continue(id, result)
	switch outcome {
	case BatchNext:
		s.send(ctx, next)
	case BatchComplete:
		s.emit(ctx, domain.Event{
			Type:      domain.EventComplete,
			Name:      domain.EventName(req.ActionType(), domain.EventComplete),
			Endpoint:  req.Endpoint(),
			RequestID: id,
		})
	case BatchMalformed:
		s.logger.Warn("batch page is not a list, not continuing",
			"endpoint", req.Endpoint(), "request_id", id, "error", err)
	}
}

func (s *Session) resolveChain(ctx context.Context, id uint64, result json.RawMessage) {
	reqs, err := s.chains.Resolve(id, result)
	if err != nil {
		s.logger.Warn("follow-up resolution failed", "request_id", id, "error", err)
	}
	for _, next := range reqs {
		if err := next.Validate(); err != nil {
			s.logger.Warn("invalid follow-up request", "type", next.ActionType(), "error", err)
			s.emitError(ctx, next, 0, err.Error())
			continue
		}
		s.dispatch(ctx, next)
	}
}

func (s *Session) emitSuccess(ctx context.Context, req *domain.LogicalRequest, id uint64, payload json.RawMessage) {
	s.emit(ctx, domain.Event{
		Type:      domain.EventSuccess,
		Name:      domain.EventName(req.ActionType(), domain.EventSuccess),
		Endpoint:  req.Endpoint(),
		RequestID: id,
		Item:      req.Params,
		Payload:   payload,
	})
}

func (s *Session) emitError(ctx context.Context, req *domain.LogicalRequest, id uint64, body any) {
	s.emit(ctx, domain.Event{
		Type:      domain.EventError,
		Name:      domain.EventName(req.ActionType(), domain.EventError),
		Endpoint:  req.Endpoint(),
		RequestID: id,
		Item:      req.Params,
		Error:     body,
	})
}

func (s *Session) emit(ctx context.Context, e domain.Event) {
	e.SessionID = s.id
	e.Timestamp = time.Now()
	ctx = domain.ContextWithSessionID(ctx, s.id)
	if e.Endpoint != "" {
		ctx = domain.ContextWithEndpoint(ctx, e.Endpoint)
	}
	s.bus.Publish(ctx, e)
}

// decodeErrorBody parses an error field. A JSON string holding JSON is
// decoded one level further; anything unparseable is returned verbatim.
func decodeErrorBody(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	str, ok := v.(string)
	if !ok {
		return v
	}
	var inner any
	if err := json.Unmarshal([]byte(str), &inner); err != nil {
		return str
	}
	return inner
}

// decodeJSONResponse unwraps a result the backend sent as a JSON-encoded
// string. Non-string results pass through unchanged.
func decodeJSONResponse(raw json.RawMessage) (json.RawMessage, error) {
	v := gjson.ParseBytes(raw)
	if v.Type != gjson.String {
		return raw, nil
	}
	str := v.String()
	if !json.Valid([]byte(str)) {
		return nil, domain.ErrParseResponse
	}
	return json.RawMessage(str), nil
}

// unquote returns the contents of a JSON string, or raw unchanged.
func unquote(raw json.RawMessage) []byte {
	v := gjson.ParseBytes(raw)
	if v.Type != gjson.String {
		return raw
	}
	return []byte(v.String())
}

var errNoStore = errors.New("no file context store configured")
