package domain

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FollowUpKind selects how a follow-up template consumes the prior result.
type FollowUpKind int

const (
	// FollowUpStatic dispatches the template unchanged.
	FollowUpStatic FollowUpKind = iota
	// FollowUpBind copies values from the result into the template params.
	FollowUpBind
	// FollowUpEach produces one request per element of a result array,
	// binding relative to each element.
	FollowUpEach
)

func (k FollowUpKind) String() string {
	switch k {
	case FollowUpStatic:
		return "static"
	case FollowUpBind:
		return "bind"
	case FollowUpEach:
		return "each"
	default:
		return "unknown"
	}
}

// Binding copies the value at From (a gjson path into the result, empty for
// the whole value) to To (an sjson path into the template params).
type Binding struct {
	From string
	To   string
}

// FollowUp is a request template resolved against a successful response.
type FollowUp struct {
	Kind     FollowUpKind
	Template LogicalRequest
	Bindings []Binding
	Each     string // gjson path to the array for FollowUpEach; empty = the result itself
}

// Static returns a follow-up that dispatches req as-is.
func Static(req LogicalRequest) FollowUp {
	return FollowUp{Kind: FollowUpStatic, Template: req}
}

// Bind returns a follow-up that fills req's params from the result.
func Bind(req LogicalRequest, bindings ...Binding) FollowUp {
	return FollowUp{Kind: FollowUpBind, Template: req, Bindings: bindings}
}

// Each returns a follow-up fanned out over the array found at path.
func Each(path string, req LogicalRequest, bindings ...Binding) FollowUp {
	return FollowUp{Kind: FollowUpEach, Template: req, Bindings: bindings, Each: path}
}

func (f FollowUp) validate() error {
	if f.Template.Model == "" || f.Template.Method == "" {
		return fmt.Errorf("template model and method are required")
	}
	if f.Kind == FollowUpBind && len(f.Bindings) == 0 {
		return fmt.Errorf("bind follow-up needs at least one binding")
	}
	for _, b := range f.Bindings {
		if b.To == "" {
			return fmt.Errorf("binding target path is required")
		}
	}
	return nil
}

// Resolve produces the requests to dispatch for the given result.
func (f FollowUp) Resolve(result json.RawMessage) ([]*LogicalRequest, error) {
	root := gjson.ParseBytes(result)
	switch f.Kind {
	case FollowUpStatic:
		return []*LogicalRequest{f.Template.Clone()}, nil
	case FollowUpBind:
		req, err := f.bind(root)
		if err != nil {
			return nil, err
		}
		return []*LogicalRequest{req}, nil
	case FollowUpEach:
		arr := root
		if f.Each != "" {
			arr = root.Get(f.Each)
		}
		if !arr.IsArray() {
			return nil, NewDomainError("FollowUp.Resolve", ErrFollowUp, fmt.Sprintf("path %q is not an array", f.Each))
		}
		var out []*LogicalRequest
		var bindErr error
		arr.ForEach(func(_, elem gjson.Result) bool {
			req, err := f.bind(elem)
			if err != nil {
				bindErr = err
				return false
			}
			out = append(out, req)
			return true
		})
		if bindErr != nil {
			return nil, bindErr
		}
		return out, nil
	default:
		return nil, NewDomainError("FollowUp.Resolve", ErrFollowUp, fmt.Sprintf("unknown kind %d", f.Kind))
	}
}

func (f FollowUp) bind(source gjson.Result) (*LogicalRequest, error) {
	req := f.Template.Clone()
	params := []byte(req.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	for _, b := range f.Bindings {
		v := source
		if b.From != "" {
			v = source.Get(b.From)
		}
		if !v.Exists() {
			return nil, NewDomainError("FollowUp.Resolve", ErrFollowUp, fmt.Sprintf("result path %q missing", b.From))
		}
		var err error
		params, err = sjson.SetRawBytes(params, b.To, []byte(v.Raw))
		if err != nil {
			return nil, NewDomainError("FollowUp.Resolve", ErrFollowUp, err.Error())
		}
	}
	req.Params = params
	return req, nil
}
