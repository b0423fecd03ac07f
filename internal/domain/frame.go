package domain

import (
	"bytes"
	"encoding/json"
)

// MessageType identifies the kind of frame exchanged over the WebSocket connection.
type MessageType int

const (
	MessageRequest  MessageType = 0
	MessageResponse MessageType = 1
	MessageNotify   MessageType = 2
)

// RequestFrame is the outbound envelope for a single wire request.
// RequestID is always serialized; 0 is the first valid id.
type RequestFrame struct {
	Method    string          `json:"method"`
	Type      MessageType     `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID uint64          `json:"request_id"`
}

// InboundFrame is the union of response and notify frames sent by the backend.
type InboundFrame struct {
	Type      MessageType     `json:"type"`
	RequestID *uint64         `json:"request_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	RType     *int            `json:"rtype,omitempty"`

	// Notify only.
	Name   string          `json:"name,omitempty"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HasError reports whether the response carries a truthy error field.
// null, "", false and 0 all count as no error.
func (f *InboundFrame) HasError() bool {
	switch string(bytes.TrimSpace(f.Error)) {
	case "", "null", `""`, "false", "0":
		return false
	}
	return true
}

// DecodeInbound parses a raw frame.
func DecodeInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, NewDomainError("DecodeInbound", ErrFrameDecode, err.Error())
	}
	return &f, nil
}
