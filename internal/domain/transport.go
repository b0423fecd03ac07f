package domain

import "context"

// ConnEventKind classifies what the transport observed.
type ConnEventKind int

const (
	ConnOpen ConnEventKind = iota
	ConnClose
	ConnError
	ConnMessage
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnOpen:
		return "open"
	case ConnClose:
		return "close"
	case ConnError:
		return "error"
	case ConnMessage:
		return "message"
	default:
		return "unknown"
	}
}

// ConnEvent is surfaced by a Transport for every socket state change and
// inbound message. Data is only set for ConnMessage, Err for ConnError/ConnClose.
type ConnEvent struct {
	Kind ConnEventKind
	Data []byte
	Err  error
}

// Transport is a duplex connection to the backend. It never interprets payloads.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, frame RequestFrame) error
	Events() <-chan ConnEvent
	Close() error
}

// Credential is the session material needed to open the socket.
type Credential struct {
	CSRFToken string
	SessionID string // optional session cookie
}

// CredentialSource returns the current credential. It is read fresh on every
// connection attempt.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// FileContextStore holds large opaque response bodies keyed by caller-chosen keys.
type FileContextStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}
