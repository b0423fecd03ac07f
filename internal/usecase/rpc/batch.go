package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"maas-ws/internal/domain"
)

// BatchOutcome is what a successful page means for its batch.
type BatchOutcome int

const (
	// BatchUntracked means the id has no batch context.
	BatchUntracked BatchOutcome = iota
	// BatchNext means the page was full and a continuation was produced.
	BatchNext
	// BatchComplete means a short page ended the batch.
	BatchComplete
	// BatchMalformed means the result was not an array.
	BatchMalformed
)

func (o BatchOutcome) String() string {
	switch o {
	case BatchUntracked:
		return "untracked"
	case BatchNext:
		return "next"
	case BatchComplete:
		return "complete"
	case BatchMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// BatchEngine tracks paginated requests by wire id and derives the next page
// request from each full page. Loop-owned.
type BatchEngine struct {
	contexts map[uint64]*domain.LogicalRequest
}

// NewBatchEngine creates an engine with no tracked batches.
func NewBatchEngine() *BatchEngine {
	return &BatchEngine{contexts: make(map[uint64]*domain.LogicalRequest)}
}

// Track records req as the batch context for id.
func (b *BatchEngine) Track(id uint64, req *domain.LogicalRequest) {
	b.contexts[id] = req
}

// Drop forgets the batch context for id.
func (b *BatchEngine) Drop(id uint64) {
	delete(b.contexts, id)
}

// Len returns the number of tracked batches.
func (b *BatchEngine) Len() int { return len(b.contexts) }

// Continue consumes the context for id given a successful result. The
// context is removed in every case; next is only set for BatchNext.
func (b *BatchEngine) Continue(id uint64, result json.RawMessage) (*domain.LogicalRequest, BatchOutcome, error) {
	req, ok := b.contexts[id]
	if !ok {
		return nil, BatchUntracked, nil
	}
	delete(b.contexts, id)

	page := gjson.ParseBytes(result)
	if !page.IsArray() {
		return nil, BatchMalformed, nil
	}
	rows := page.Array()
	limit := req.PageLimit()
	if len(rows) < limit {
		return nil, BatchComplete, nil
	}

	next, err := nextPage(req, rows)
	if err != nil {
		return nil, BatchMalformed, err
	}
	return next, BatchNext, nil
}

// nextPage clones req with the cursor moved past the last row. Rows without
// an id advance the cursor by offset instead.
func nextPage(req *domain.LogicalRequest, rows []gjson.Result) (*domain.LogicalRequest, error) {
	next := req.Clone()
	next.Cache = domain.CacheBypass
	params := []byte(next.Params)
	cursorKey := next.Page.Cursor()

	var err error
	if last := rows[len(rows)-1].Get("id"); last.Exists() {
		params, err = sjson.SetRawBytes(params, cursorKey, []byte(last.Raw))
	} else {
		offset := gjson.GetBytes(params, cursorKey).Int() + int64(len(rows))
		params, err = sjson.SetBytes(params, cursorKey, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("set batch cursor: %w", err)
	}

	if n := next.Page.SubsequentLimit; n > 0 {
		params, err = sjson.SetBytes(params, next.Page.LimitKey(), n)
		if err != nil {
			return nil, fmt.Errorf("set batch limit: %w", err)
		}
		next.Page.SubsequentLimit = 0
	}
	next.Params = params
	return next, nil
}
