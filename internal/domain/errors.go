package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the RPC core.
var (
	ErrMissingCredential   = fmt.Errorf("no csrftoken found, please ensure you are logged in")
	ErrInvalidRequest      = fmt.Errorf("invalid logical request")
	ErrSessionClosed       = fmt.Errorf("session closed")
	ErrNotConnected        = fmt.Errorf("websocket not connected")
	ErrDialFailed          = fmt.Errorf("websocket dial failed")
	ErrFrameDecode         = fmt.Errorf("frame decode failed")
	ErrParseResponse       = fmt.Errorf("error parsing response")
	ErrNotifyTimeout       = fmt.Errorf("timed out waiting for notify")
	ErrFollowUp            = fmt.Errorf("follow-up resolution failed")
	ErrFileContextNotFound = fmt.Errorf("file context not found")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrEncryption          = fmt.Errorf("encryption operation failed")
	ErrDecryption          = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransportError reports whether err originates from the connection rather
// than from a specific request.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrDialFailed) || errors.Is(err, ErrSessionClosed)
}
