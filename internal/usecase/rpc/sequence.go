package rpc

import (
	"context"
	"encoding/json"
	"time"

	"maas-ws/internal/domain"
)

// notifyWaiter is one sequencer step blocked on a notify. The loop writes
// exactly one value to ch: nil when the notify arrived, an error otherwise.
type notifyWaiter struct {
	name string
	ch   chan error
}

// startSequence sends each params item as its own wire request, waiting for
// the request's notify between items. The waiting happens on a separate
// goroutine so the loop keeps serving other traffic.
func (s *Session) startSequence(ctx context.Context, req *domain.LogicalRequest) {
	items := req.Items()
	if len(items) == 0 {
		return
	}
	s.wg.Add(1)
	go s.runSequence(ctx, req, items)
}

func (s *Session) runSequence(ctx context.Context, req *domain.LogicalRequest, items []json.RawMessage) {
	defer s.wg.Done()

	name := domain.EventName(req.ActionType(), domain.EventNotify)
	timeout := s.cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for i, item := range items {
		itemReq := req.Clone()
		itemReq.Multiple = false
		itemReq.Cache = domain.CacheBypass
		itemReq.Params = item

		last := i == len(items)-1
		var w *notifyWaiter
		if !last {
			w = &notifyWaiter{name: name, ch: make(chan error, 1)}
		}
		if err := s.post(ctx, command{kind: cmdSendItem, req: itemReq, waiter: w}); err != nil {
			return
		}
		if last {
			return
		}
		if !s.await(ctx, req, w, timeout) {
			return
		}
	}
}

// await blocks until w is resolved. It returns true only when the notify
// arrived.
func (s *Session) await(ctx context.Context, req *domain.LogicalRequest, w *notifyWaiter, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.ch:
		return err == nil
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	if err := s.post(ctx, command{kind: cmdNotifyTimeout, req: req, waiter: w}); err != nil {
		return false
	}
	select {
	case err := <-w.ch:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

// removeWaiter unregisters w, reporting whether it was still waiting.
func (s *Session) removeWaiter(w *notifyWaiter) bool {
	queue := s.waiters[w.name]
	for i, q := range queue {
		if q == w {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(s.waiters, w.name)
			} else {
				s.waiters[w.name] = queue
			}
			return true
		}
	}
	return false
}
