package api

import (
	"context"

	"sentinel/core"
)

// contextKey is a private type to prevent context key collisions across packages.
type contextKey string

const (
	// ContextKeyIdentity stores the authenticated *core.Identity
	ContextKeyIdentity contextKey = "identity"

	// ContextKeyRequestID stores the trace id of the request (string)
	ContextKeyRequestID contextKey = "request_id"
)

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *core.Identity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, id)
}

// GetIdentity extracts the caller identity from the context.
func GetIdentity(ctx context.Context) (*core.Identity, bool) {
	id, ok := ctx.Value(ContextKeyIdentity).(*core.Identity)
	return id, ok && id != nil
}

// WithRequestID returns a context carrying the trace id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// GetRequestID extracts the trace id from the context.
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeyRequestID).(string)
	return id, ok && id != ""
}

// GetRequestIDOrDefault returns the trace id or "unknown".
func GetRequestIDOrDefault(ctx context.Context) string {
	if id, ok := GetRequestID(ctx); ok {
		return id
	}
	return "unknown"
}
