package rpc

import (
	"cmp"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"maas-ws/internal/domain"
)

// Inflight is one wire request awaiting its response.
type Inflight struct {
	ID      uint64
	Request *domain.LogicalRequest
	Kind    domain.RequestKind
	SentAt  time.Time
	Epoch   uint64

	span trace.Span
}

// Registry correlates wire request ids with the logical request that
// produced them. Ids increase strictly from 0 for the registry's lifetime and
// are never reused, so entries abandoned by a reconnect simply stay
// unresolvable. The epoch advances on every socket close; entries of the
// current epoch are the ones queued for or written on the live socket. It is owned by the dispatch loop and is not goroutine-safe.
type Registry struct {
	next    uint64
	epoch   uint64
	entries map[uint64]*Inflight
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]*Inflight)}
}

// Allocate assigns the next id to req and records it.
func (r *Registry) Allocate(req *domain.LogicalRequest, kind domain.RequestKind) *Inflight {
	f := &Inflight{ID: r.next, Request: req, Kind: kind, SentAt: time.Now(), Epoch: r.epoch}
	r.entries[f.ID] = f
	r.next++
	return f
}

// Advance starts a new epoch. Called when the socket closes.
func (r *Registry) Advance() { r.epoch++ }

// Current returns the unresolved entries allocated in the current epoch,
// ordered by id.
func (r *Registry) Current() []*Inflight {
	var out []*Inflight
	for _, f := range r.entries {
		if f.Epoch == r.epoch {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b *Inflight) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Take returns the entry for id and removes it, so each id resolves once.
func (r *Registry) Take(id uint64) (*Inflight, bool) {
	f, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return f, ok
}

// Len returns the number of unresolved entries.
func (r *Registry) Len() int { return len(r.entries) }

// Drain removes and returns every unresolved entry.
func (r *Registry) Drain() []*Inflight {
	out := make([]*Inflight, 0, len(r.entries))
	for id, f := range r.entries {
		out = append(out, f)
		delete(r.entries, id)
	}
	return out
}
