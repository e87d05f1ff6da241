// Package trace carries a request id through the context and stamps it on
// outgoing API requests. W3C trace context is propagated separately by the
// otel transport.
package trace

import (
	"context"
	nethttp "net/http"

	"github.com/google/uuid"
)

// contextKey is the type for context keys to avoid collisions
type contextKey string

const (
	// traceIDKey is the context key for trace ID values
	traceIDKey contextKey = "trace_id"
	// HeaderXRequestID is the standard header name for request tracing
	HeaderXRequestID = "X-Request-ID"
)

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// IDFromContext returns a trace ID from context if present
func IDFromContext(ctx context.Context) (string, bool) {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		return traceID, true
	}
	return "", false
}

// EnsureTraceID returns an existing trace ID from context or generates a new one
func EnsureTraceID(ctx context.Context) string {
	if traceID, ok := IDFromContext(ctx); ok {
		return traceID
	}
	return uuid.New().String()
}

// StampRequestID sets X-Request-ID from the context, generating one when the
// context has none. A header already on the request is kept, so resends of
// one call share its id. It matches the http request interceptor signature.
func StampRequestID(ctx context.Context, req *nethttp.Request) error {
	if req.Header.Get(HeaderXRequestID) != "" {
		return nil
	}
	req.Header.Set(HeaderXRequestID, EnsureTraceID(ctx))
	return nil
}
