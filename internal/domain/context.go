package domain

import "context"

type ctxKey string

const (
	sessionCtxKey  ctxKey = "rpc_session_id"
	endpointCtxKey ctxKey = "rpc_endpoint"
)

// ContextWithSessionID returns a new context carrying the RPC session ID (ULID).
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithEndpoint tags a context with the endpoint being handled.
func ContextWithEndpoint(ctx context.Context, e Endpoint) context.Context {
	return context.WithValue(ctx, endpointCtxKey, e)
}

// EndpointFromContext returns the endpoint set by ContextWithEndpoint.
func EndpointFromContext(ctx context.Context) Endpoint {
	if v, ok := ctx.Value(endpointCtxKey).(Endpoint); ok {
		return v
	}
	return ""
}
