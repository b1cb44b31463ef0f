// Package requestctx carries per-request caller identity through handlers.
package requestctx

import (
	"context"
	"net/http"
)

// Headers read by FromHeaders. Authentication happens in front of tracery;
// the fronting layer sets the user header.
const (
	RequestIDHeader     = "X-Request-ID"
	UserIDHeader        = "X-User-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	userIDKey        contextKey = "user_id"
	correlationIDKey contextKey = "correlation_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromHeaders stores the user and correlation ids sent with r. Empty headers
// leave the context unchanged.
func FromHeaders(ctx context.Context, h http.Header) context.Context {
	if id := h.Get(UserIDHeader); id != "" {
		ctx = WithUserID(ctx, id)
	}
	if id := h.Get(CorrelationIDHeader); id != "" {
		ctx = WithCorrelationID(ctx, id)
	}
	return ctx
}

func RequestID(ctx context.Context) string {
	return value(ctx, requestIDKey)
}

func UserID(ctx context.Context) string {
	return value(ctx, userIDKey)
}

func CorrelationID(ctx context.Context) string {
	return value(ctx, correlationIDKey)
}

func value(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
