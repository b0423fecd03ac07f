package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Endpoint is the "model.method" string used as the unit of dedup and polling.
type Endpoint string

// NewEndpoint joins a model and method into an Endpoint.
func NewEndpoint(model, method string) Endpoint {
	return Endpoint(model + "." + method)
}

// Model returns the part before the first dot.
func (e Endpoint) Model() string {
	model, _, _ := strings.Cut(string(e), ".")
	return model
}

// Method returns the part after the first dot.
func (e Endpoint) Method() string {
	_, method, _ := strings.Cut(string(e), ".")
	return method
}

// IsList reports whether the endpoint is list-shaped.
func (e Endpoint) IsList() bool {
	return strings.HasSuffix(e.Method(), "list")
}

// CachePolicy controls whether the loaded-set cache may suppress a request.
type CachePolicy int

const (
	// CacheDefault caches list-shaped endpoints only.
	CacheDefault CachePolicy = iota
	// CacheForce caches the endpoint regardless of its shape.
	CacheForce
	// CacheBypass never consults nor marks the loaded set.
	CacheBypass
)

// PageSpec marks a request as a batch fetch. The page size itself is read
// from the request params (LimitParam); a request without a positive limit is
// not paginated.
type PageSpec struct {
	// SubsequentLimit, when > 0, replaces the limit for the second page onward.
	SubsequentLimit int
	CursorParam     string // default "start"
	LimitParam      string // default "limit"
}

// Cursor returns the params key holding the start cursor.
func (p *PageSpec) Cursor() string {
	if p.CursorParam == "" {
		return "start"
	}
	return p.CursorParam
}

// LimitKey returns the params key holding the page size.
func (p *PageSpec) LimitKey() string {
	if p.LimitParam == "" {
		return "limit"
	}
	return p.LimitParam
}

// PollSpec starts or stops repeating dispatch of a request.
type PollSpec struct {
	Stop     bool
	Interval time.Duration // 0 = session default
	ID       string        // overrides the endpoint as poll key
}

// FileContextSpec routes a response into the side-channel payload store.
type FileContextSpec struct {
	Key string
}

// LogicalRequest is one caller-issued intent to invoke a backend model/method.
type LogicalRequest struct {
	Type         string // action type, e.g. "machine/fetch"; defaults to "model/method"
	Model        string
	Method       string
	Params       json.RawMessage
	Cache        CachePolicy
	JSONResponse bool // decode string results as JSON
	Multiple     bool // send each params array item as its own wire request
	Page         *PageSpec
	Poll         *PollSpec
	FileContext  *FileContextSpec
	FollowUps    []FollowUp
}

// Endpoint returns the request's "model.method".
func (r *LogicalRequest) Endpoint() Endpoint {
	return NewEndpoint(r.Model, r.Method)
}

// ActionType returns the prefix used to name this request's events.
func (r *LogicalRequest) ActionType() string {
	if r.Type != "" {
		return r.Type
	}
	return r.Model + "/" + r.Method
}

// PollKey returns the key identifying this request's poll registration.
func (r *LogicalRequest) PollKey() string {
	if r.Poll != nil && r.Poll.ID != "" {
		return r.Poll.ID
	}
	return string(r.Endpoint())
}

// PageLimit returns the page size carried in params, or 0.
func (r *LogicalRequest) PageLimit() int {
	if r.Page == nil || len(r.Params) == 0 {
		return 0
	}
	v := gjson.GetBytes(r.Params, r.Page.LimitKey())
	if v.Type != gjson.Number {
		return 0
	}
	return int(v.Int())
}

// Items returns the elements of a params array when Multiple is set;
// otherwise a single-element slice holding Params.
func (r *LogicalRequest) Items() []json.RawMessage {
	if !r.Multiple {
		return []json.RawMessage{r.Params}
	}
	var items []json.RawMessage
	gjson.ParseBytes(r.Params).ForEach(func(_, value gjson.Result) bool {
		items = append(items, json.RawMessage(value.Raw))
		return true
	})
	return items
}

// Clone returns a deep copy safe to mutate.
func (r *LogicalRequest) Clone() *LogicalRequest {
	c := *r
	if r.Params != nil {
		c.Params = append(json.RawMessage(nil), r.Params...)
	}
	if r.Page != nil {
		p := *r.Page
		c.Page = &p
	}
	if r.Poll != nil {
		p := *r.Poll
		c.Poll = &p
	}
	if r.FileContext != nil {
		f := *r.FileContext
		c.FileContext = &f
	}
	if r.FollowUps != nil {
		c.FollowUps = append([]FollowUp(nil), r.FollowUps...)
	}
	return &c
}

// Validate checks structural correctness and rejects flag combinations that
// have no single request kind.
func (r *LogicalRequest) Validate() error {
	const op = "LogicalRequest.Validate"
	if r.Model == "" || r.Method == "" {
		return NewDomainError(op, ErrInvalidRequest, "model and method are required")
	}
	if len(r.Params) > 0 && !json.Valid(r.Params) {
		return NewDomainError(op, ErrInvalidRequest, "params are not valid JSON")
	}
	if r.Multiple && !gjson.ParseBytes(r.Params).IsArray() {
		return NewDomainError(op, ErrInvalidRequest, "multiple dispatch requires array params")
	}
	if r.FileContext != nil && r.FileContext.Key == "" {
		return NewDomainError(op, ErrInvalidRequest, "file context key is required")
	}
	if r.Poll != nil && r.Poll.Interval < 0 {
		return NewDomainError(op, ErrInvalidRequest, "poll interval must not be negative")
	}
	if r.Poll != nil && r.Poll.Stop {
		return nil
	}

	exclusive := 0
	if r.FileContext != nil {
		exclusive++
	}
	if r.PageLimit() > 0 {
		exclusive++
	}
	if len(r.FollowUps) > 0 {
		exclusive++
	}
	if exclusive > 1 {
		return NewDomainError(op, ErrInvalidRequest, "file context, pagination and follow-ups are mutually exclusive")
	}
	if r.Multiple && (r.FileContext != nil || r.PageLimit() > 0) {
		return NewDomainError(op, ErrInvalidRequest, "multiple dispatch cannot be paginated or file-context")
	}
	for i, f := range r.FollowUps {
		if err := f.validate(); err != nil {
			return NewDomainError(op, ErrInvalidRequest, fmt.Sprintf("follow-up %d: %v", i, err))
		}
	}
	return nil
}

// RequestKind is the behaviour selected for a request at submission time.
type RequestKind int

const (
	KindSimple RequestKind = iota
	KindPaginated
	KindPolling
	KindPollStop
	KindFileContext
	KindChained
)

func (k RequestKind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindPaginated:
		return "paginated"
	case KindPolling:
		return "polling"
	case KindPollStop:
		return "poll_stop"
	case KindFileContext:
		return "file_context"
	case KindChained:
		return "chained"
	default:
		return "unknown"
	}
}

// ResolveKind picks the request kind. Poll control wins over everything else;
// the remaining kinds are mutually exclusive after Validate.
func ResolveKind(r *LogicalRequest) RequestKind {
	switch {
	case r.Poll != nil && r.Poll.Stop:
		return KindPollStop
	case r.Poll != nil:
		return KindPolling
	case r.FileContext != nil:
		return KindFileContext
	case r.PageLimit() > 0:
		return KindPaginated
	case len(r.FollowUps) > 0:
		return KindChained
	default:
		return KindSimple
	}
}
