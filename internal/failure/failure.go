// Package failure defines the error taxonomy shared by validation, the
// sandbox, and the orchestrator.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure.
type Code string

const (
	// InvalidSource means the submitted code does not parse or uses a
	// disallowed construct.
	InvalidSource Code = "InvalidSource"
	// InvalidSignature means the entry point is missing, ambiguous, or has
	// the wrong shape.
	InvalidSignature Code = "InvalidSignature"
	// ValidationError means an input or output did not match its schema.
	ValidationError Code = "ValidationError"
	// RuntimeFailure means user code returned an error or panicked.
	RuntimeFailure Code = "RuntimeFailure"
	// ResourceExceeded means the timeout or memory ceiling was hit.
	ResourceExceeded Code = "ResourceExceeded"
	// InvalidTransition means an execution state change was not allowed.
	InvalidTransition Code = "InvalidTransition"
	// NotFound means a referenced function or execution does not exist.
	NotFound Code = "NotFound"
	// InternalError is always a platform bug or infrastructure fault.
	InternalError Code = "InternalError"
)

// Error is a classified failure. Trace carries a stack or call chain for
// RuntimeFailure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a failure with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code, keeping it as the cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
	}
	return &Error{Code: code, Message: msg, Cause: err}
}

// WithTrace returns a copy of e carrying trace.
func (e *Error) WithTrace(trace string) *Error {
	cp := *e
	cp.Trace = trace
	return &cp
}

// As extracts the classified failure from err.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of err, or InternalError for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return InternalError
}

// Is reports whether err is classified as code.
func Is(err error, code Code) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

// From classifies any error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	return &Error{Code: InternalError, Message: err.Error(), Cause: err}
}

// HTTPStatus maps a code to the status used by the API.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidSource, InvalidSignature, ValidationError:
		return http.StatusUnprocessableEntity
	case InvalidTransition:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case ResourceExceeded:
		return http.StatusRequestTimeout
	case RuntimeFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserFacing reports whether the code describes a problem with the caller's
// code or input rather than the platform.
func UserFacing(code Code) bool {
	return code != InternalError && code != ""
}
