package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/requestctx"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Decoding %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestJSON_UnencodableValue(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]any{"ch": make(chan int)})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != string(failure.InternalError) {
		t.Errorf("Code = %q", resp.Code)
	}
}

func TestFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		message   string
		wantTrace bool
	}{
		{"not found", failure.New(failure.NotFound, "function %q not found", "f"), http.StatusNotFound, `function "f" not found`, false},
		{"runtime", &failure.Error{Code: failure.RuntimeFailure, Message: "boom", Trace: "main.go:3"}, http.StatusBadGateway, "boom", true},
		{"unclassified", errors.New("disk on fire"), http.StatusInternalServerError, "internal error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/functions/f", nil)
			r = r.WithContext(requestctx.WithRequestID(r.Context(), "req-7"))
			w := httptest.NewRecorder()
			Failure(w, r, tt.err)

			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, w.Code)
			}
			resp := decodeError(t, w)
			if resp.Error != tt.message {
				t.Errorf("Error = %q, want %q", resp.Error, tt.message)
			}
			if resp.RequestID != "req-7" {
				t.Errorf("RequestID = %q", resp.RequestID)
			}
			if (resp.Trace != "") != tt.wantTrace {
				t.Errorf("Trace = %q", resp.Trace)
			}
		})
	}
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		allowEmpty bool
		ok         bool
		status     int
	}{
		{"object", `{"name":"f"}`, false, true, 0},
		{"empty allowed", ``, true, true, 0},
		{"empty rejected", ``, false, false, http.StatusBadRequest},
		{"malformed", `{"name":`, false, false, http.StatusBadRequest},
		{"trailing value", `{"name":"f"} {"name":"g"}`, false, false, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst struct{ Name string }
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if got := readJSON(w, r, &dst, tt.allowEmpty); got != tt.ok {
				t.Fatalf("readJSON() = %v, want %v", got, tt.ok)
			}
			if !tt.ok && w.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestReadJSON_TooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("x", 64)+`"}`))
	r.Body = http.MaxBytesReader(w, r.Body, 16)

	var dst struct{ Name string }
	if readJSON(w, r, &dst, false) {
		t.Fatal("readJSON() accepted an oversized body")
	}
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
}

func TestBaseURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://tracery.local:8090/api/openapi.json", nil)
	if got := baseURL(r); got != "http://tracery.local:8090" {
		t.Errorf("baseURL() = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "fn.example.com, proxy.internal")
	if got := baseURL(r); got != "https://fn.example.com" {
		t.Errorf("baseURL() behind proxy = %q", got)
	}
}

func TestDocsPage_EscapesTitle(t *testing.T) {
	for _, ui := range []string{"scalar", "swagger", "redoc", "stoplight", "unknown"} {
		var buf strings.Builder
		err := docsPage(ui).Execute(&buf, struct{ Title, SpecURL string }{"<b>API</b>", "/api/openapi.json"})
		if err != nil {
			t.Fatalf("%s: %v", ui, err)
		}
		if strings.Contains(buf.String(), "<b>API</b>") {
			t.Errorf("%s: title was not escaped", ui)
		}
	}
}
