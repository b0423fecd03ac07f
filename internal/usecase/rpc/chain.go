package rpc

import (
	"encoding/json"
	"errors"

	"maas-ws/internal/domain"
)

// ChainResolver holds follow-up templates per wire id until the response
// arrives. Loop-owned.
type ChainResolver struct {
	pending map[uint64][]domain.FollowUp
}

// NewChainResolver creates an empty resolver.
func NewChainResolver() *ChainResolver {
	return &ChainResolver{pending: make(map[uint64][]domain.FollowUp)}
}

// Store records follow-ups for id. Empty input is ignored.
func (c *ChainResolver) Store(id uint64, followUps []domain.FollowUp) {
	if len(followUps) == 0 {
		return
	}
	c.pending[id] = followUps
}

// Drop forgets the follow-ups for id.
func (c *ChainResolver) Drop(id uint64) {
	delete(c.pending, id)
}

// Len returns the number of ids with pending follow-ups.
func (c *ChainResolver) Len() int { return len(c.pending) }

// Resolve builds the follow-up requests for a successful result and forgets
// id. Follow-ups that fail to resolve are skipped and reported together.
func (c *ChainResolver) Resolve(id uint64, result json.RawMessage) ([]*domain.LogicalRequest, error) {
	followUps, ok := c.pending[id]
	if !ok {
		return nil, nil
	}
	delete(c.pending, id)

	var out []*domain.LogicalRequest
	var errs []error
	for _, f := range followUps {
		reqs, err := f.Resolve(result)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, reqs...)
	}
	return out, errors.Join(errs...)
}
