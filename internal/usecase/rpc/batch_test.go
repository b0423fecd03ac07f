package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maas-ws/internal/domain"
)

func pagedRequest(params string, page domain.PageSpec) *domain.LogicalRequest {
	return &domain.LogicalRequest{
		Model:  "machine",
		Method: "list",
		Params: json.RawMessage(params),
		Page:   &page,
	}
}

func TestBatchFullPageContinues(t *testing.T) {
	b := NewBatchEngine()
	b.Track(3, pagedRequest(`{"limit":2,"filter":{"status":"ready"}}`, domain.PageSpec{}))

	next, outcome, err := b.Continue(3, json.RawMessage(`[{"id":10},{"id":11}]`))
	require.NoError(t, err)
	assert.Equal(t, BatchNext, outcome)
	assert.JSONEq(t, `{"limit":2,"filter":{"status":"ready"},"start":11}`, string(next.Params))
	assert.Equal(t, domain.CacheBypass, next.Cache)
	assert.Zero(t, b.Len())
}

func TestBatchShortPageCompletes(t *testing.T) {
	b := NewBatchEngine()
	b.Track(1, pagedRequest(`{"limit":5}`, domain.PageSpec{}))

	next, outcome, err := b.Continue(1, json.RawMessage(`[{"id":1}]`))
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, BatchComplete, outcome)
	assert.Equal(t, 0, b.Len())
}

func TestBatchMalformedAndUntracked(t *testing.T) {
	b := NewBatchEngine()
	b.Track(1, pagedRequest(`{"limit":5}`, domain.PageSpec{}))

	_, outcome, _ := b.Continue(1, json.RawMessage(`{"id":1}`))
	assert.Equal(t, BatchMalformed, outcome)
	assert.Zero(t, b.Len())

	_, outcome, _ = b.Continue(1, json.RawMessage(`[]`))
	assert.Equal(t, BatchUntracked, outcome)
}

func TestBatchSubsequentLimitIsOneShot(t *testing.T) {
	b := NewBatchEngine()
	b.Track(1, pagedRequest(`{"limit":1}`, domain.PageSpec{SubsequentLimit: 50}))

	next, _, err := b.Continue(1, json.RawMessage(`[{"id":"m1"}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":50,"start":"m1"}`, string(next.Params))
	assert.Equal(t, 0, next.Page.SubsequentLimit)
	assert.Equal(t, 50, next.PageLimit())
}

func TestBatchCustomKeysAndOffsetCursor(t *testing.T) {
	b := NewBatchEngine()
	b.Track(1, pagedRequest(`{"page_size":2,"offset":4}`, domain.PageSpec{LimitParam: "page_size", CursorParam: "offset"}))

	next, outcome, err := b.Continue(1, json.RawMessage(`[{"name":"a"},{"name":"b"}]`))
	require.NoError(t, err)
	assert.Equal(t, BatchNext, outcome)
	assert.JSONEq(t, `{"page_size":2,"offset":6}`, string(next.Params))
}

func TestBatchDrop(t *testing.T) {
	b := NewBatchEngine()
	b.Track(1, pagedRequest(`{"limit":5}`, domain.PageSpec{}))
	b.Drop(1)
	assert.Zero(t, b.Len())
}

func TestBatchOutcomeString(t *testing.T) {
	assert.Equal(t, "next", BatchNext.String())
	assert.Equal(t, "complete", BatchComplete.String())
	assert.Equal(t, "malformed", BatchMalformed.String())
	assert.Equal(t, "untracked", BatchUntracked.String())
}
