package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published. Request-scoped
// types double as the suffix appended to the request's action type.
type EventType string

const (
	EventStart          EventType = "Start"
	EventSuccess        EventType = "Success"
	EventError          EventType = "Error"
	EventNotify         EventType = "Notify"
	EventPollingStarted EventType = "PollingStarted"
	EventPollingStopped EventType = "PollingStopped"
	EventComplete       EventType = "Complete"

	// Connection-level events carry no request prefix.
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventConnError    EventType = "error"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Name      string          `json:"name"` // e.g. "machine/fetchSuccess", "machine/updateNotify"
	Endpoint  Endpoint        `json:"endpoint,omitempty"`
	RequestID uint64          `json:"request_id,omitempty"`
	Item      json.RawMessage `json:"item,omitempty"`    // params of the originating request
	Payload   json.RawMessage `json:"payload,omitempty"` // result, notify data
	Error     any             `json:"error,omitempty"`   // decoded error body or raw string
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventName builds the published name for a request-scoped event.
func EventName(actionType string, t EventType) string {
	return actionType + string(t)
}

// NotifyName builds the published name for a notify frame.
func NotifyName(name, action string) string {
	return name + "/" + action + string(EventNotify)
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus publishes events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
