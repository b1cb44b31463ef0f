package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := New(ValidationError, "field %q is required", "number")
	require.Equal(t, ValidationError, CodeOf(err))
	require.Equal(t, `ValidationError: field "number" is required`, err.Error())

	wrapped := fmt.Errorf("invoking: %w", err)
	require.Equal(t, ValidationError, CodeOf(wrapped))
	require.True(t, Is(wrapped, ValidationError))
	require.False(t, Is(wrapped, RuntimeFailure))

	require.Equal(t, InternalError, CodeOf(errors.New("disk full")))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("exit status 137")
	err := Wrap(ResourceExceeded, cause, "worker killed")

	require.ErrorIs(t, err, cause)
	require.Equal(t, "worker killed: exit status 137", err.Message)
}

func TestWithTraceCopies(t *testing.T) {
	base := New(RuntimeFailure, "boom")
	traced := base.WithTrace("a -> b")

	require.Empty(t, base.Trace)
	require.Equal(t, "a -> b", traced.Trace)
}

func TestFrom(t *testing.T) {
	require.Nil(t, From(nil))

	fe := From(errors.New("unexpected"))
	require.Equal(t, InternalError, fe.Code)

	orig := New(InvalidTransition, "completed -> running")
	require.Same(t, orig, From(fmt.Errorf("ctx: %w", orig)))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{InvalidSource, http.StatusUnprocessableEntity},
		{InvalidSignature, http.StatusUnprocessableEntity},
		{ValidationError, http.StatusUnprocessableEntity},
		{InvalidTransition, http.StatusConflict},
		{NotFound, http.StatusNotFound},
		{ResourceExceeded, http.StatusRequestTimeout},
		{RuntimeFailure, http.StatusBadGateway},
		{InternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			require.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
