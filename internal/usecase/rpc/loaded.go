package rpc

import "maas-ws/internal/domain"

// LoadedSet suppresses repeat fetches of endpoints already requested on the
// current connection. An endpoint is marked when its request is sent, not
// when the response arrives, so two dispatches racing the first response
// still produce one wire send.
type LoadedSet struct {
	loaded map[domain.Endpoint]struct{}
}

// NewLoadedSet creates an empty set.
func NewLoadedSet() *LoadedSet {
	return &LoadedSet{loaded: make(map[domain.Endpoint]struct{})}
}

// Cacheable reports whether req participates in the set at all.
func Cacheable(req *domain.LogicalRequest) bool {
	switch req.Cache {
	case domain.CacheBypass:
		return false
	case domain.CacheForce:
		return true
	default:
		return req.Endpoint().IsList()
	}
}

// ShouldSend reports whether req must go on the wire, marking its endpoint
// as loaded when it is cacheable.
func (l *LoadedSet) ShouldSend(req *domain.LogicalRequest) bool {
	if !Cacheable(req) {
		return true
	}
	if _, ok := l.loaded[req.Endpoint()]; ok {
		return false
	}
	l.Mark(req)
	return true
}

// Mark records req's endpoint as loaded if req is cacheable.
func (l *LoadedSet) Mark(req *domain.LogicalRequest) {
	if Cacheable(req) {
		l.loaded[req.Endpoint()] = struct{}{}
	}
}

// Reset forgets every endpoint. Called on each new connection.
func (l *LoadedSet) Reset() {
	clear(l.loaded)
}

// Len returns the number of loaded endpoints.
func (l *LoadedSet) Len() int { return len(l.loaded) }
