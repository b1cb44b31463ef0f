package requestctx

import (
	"context"
	"net/http"
	"testing"
)

func TestFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(UserIDHeader, "user-1")
	h.Set(CorrelationIDHeader, "chat-9")

	ctx := FromHeaders(WithRequestID(context.Background(), "req-1"), h)

	if got := RequestID(ctx); got != "req-1" {
		t.Errorf("RequestID = %q, want req-1", got)
	}
	if got := UserID(ctx); got != "user-1" {
		t.Errorf("UserID = %q, want user-1", got)
	}
	if got := CorrelationID(ctx); got != "chat-9" {
		t.Errorf("CorrelationID = %q, want chat-9", got)
	}
}

func TestFromHeaders_Empty(t *testing.T) {
	ctx := WithUserID(context.Background(), "kept")
	ctx = FromHeaders(ctx, http.Header{})

	if got := UserID(ctx); got != "kept" {
		t.Errorf("UserID = %q, want kept", got)
	}
	if got := CorrelationID(ctx); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}
