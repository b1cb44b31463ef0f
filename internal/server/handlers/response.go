package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/requestctx"
)

// HandlerFunc is the signature every route handler has.
type HandlerFunc func(http.ResponseWriter, *http.Request)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Trace     string `json:"trace,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// JSON writes data with status. data is encoded before any header goes out,
// so an unencodable value becomes a 500 instead of a truncated body.
func JSON(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Int("status", status).Msg("Encoding response")
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response","code":"InternalError"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, string(failure.NotFound), message)
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, "CONFLICT", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, string(failure.InternalError), message)
}

// Failure writes err with the status of its failure code. Internal errors
// are logged with the request id and their message is hidden.
func Failure(w http.ResponseWriter, r *http.Request, err error) {
	fe := failure.From(err)
	resp := ErrorResponse{
		Error:     fe.Message,
		Code:      string(fe.Code),
		RequestID: requestctx.RequestID(r.Context()),
	}
	if !failure.UserFacing(fe.Code) {
		log.Error().Err(err).
			Str("request_id", resp.RequestID).
			Str("path", r.URL.Path).
			Msg("Request failed")
		resp.Error = "internal error"
	} else if fe.Code == failure.RuntimeFailure {
		resp.Trace = fe.Trace
	}
	JSON(w, failure.HTTPStatus(fe.Code), resp)
}

// readJSON decodes one JSON value from the body into dst and answers the
// request itself when that fails. An empty body is accepted only when
// allowEmpty is set, leaving dst untouched.
func readJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
		return true
	case err == nil:
		if dec.More() {
			BadRequest(w, "Invalid JSON body: unexpected data after the first value")
			return false
		}
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
		return false
	}
	if errors.Is(err, io.EOF) {
		BadRequest(w, "Invalid JSON body: body is empty")
		return false
	}
	BadRequest(w, "Invalid JSON body: "+err.Error())
	return false
}
