package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/orchestrator"
	"github.com/watzon/tracery/internal/rules"
)

const maxBodyBytes = 10 << 20

// Run is a started execution.
type Run interface {
	Execution() *executions.Execution
	Wait(ctx context.Context) (*executions.Execution, error)
}

// Invoker starts executions.
type Invoker interface {
	Invoke(ctx context.Context, req orchestrator.InvokeRequest) (Run, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req orchestrator.InvokeRequest) (Run, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req orchestrator.InvokeRequest) (Run, error) {
	return f(ctx, req)
}

// Orchestrated returns an Invoker that starts executions on o.
func Orchestrated(o *orchestrator.Orchestrator) Invoker {
	return InvokerFunc(func(ctx context.Context, req orchestrator.InvokeRequest) (Run, error) {
		h, err := o.Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// Handler handles webhook HTTP requests.
type Handler struct {
	store   *Store
	rules   *rules.Engine
	invoker Invoker
}

// NewHandler creates a new webhook handler.
func NewHandler(store *Store, engine *rules.Engine, invoker Invoker) *Handler {
	return &Handler{
		store:   store,
		rules:   engine,
		invoker: invoker,
	}
}

// Store returns the endpoint store.
func (h *Handler) Store() *Store {
	return h.store
}

// Validate normalizes an endpoint and checks its verification and condition.
func (h *Handler) Validate(endpoint *Endpoint) error {
	endpoint.Path = NormalizePath(endpoint.Path)
	if endpoint.Path == "" {
		return failure.New(failure.ValidationError, "webhook path is required")
	}
	if endpoint.Function == "" {
		return failure.New(failure.ValidationError, "webhook function is required")
	}

	if len(endpoint.Methods) == 0 {
		endpoint.Methods = []string{http.MethodPost}
	}
	for i, m := range endpoint.Methods {
		endpoint.Methods[i] = strings.ToUpper(m)
	}

	if v := endpoint.Verification; v != nil {
		if !SupportedVerification(v.Type) {
			return failure.New(failure.ValidationError, "unsupported verification type %q", v.Type)
		}
		if v.Header == "" || v.Secret == "" {
			return failure.New(failure.ValidationError, "verification requires a header and a secret")
		}
	}

	if endpoint.Condition != "" {
		if err := h.rules.Compile(endpoint.Condition); err != nil {
			return failure.Wrap(failure.ValidationError, err, "invalid condition")
		}
	}
	return nil
}

// NormalizePath strips surrounding slashes and the /webhooks/ prefix.
func NormalizePath(path string) string {
	path = strings.Trim(path, "/")
	path = strings.TrimPrefix(path, "webhooks/")
	return strings.Trim(path, "/")
}

// ServeHTTP handles incoming webhook requests on /webhooks/{path...}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		path = r.URL.Path
	}
	path = NormalizePath(path)

	endpoint, err := h.store.GetByPath(r.Context(), path)
	if err != nil {
		metrics.RecordWebhookRequest("not_found")
		log.Debug().Str("path", path).Msg("Webhook endpoint not found")
		writeFailure(w, failure.From(err))
		return
	}

	if !isMethodAllowed(endpoint, r.Method) {
		metrics.RecordWebhookRequest("method_not_allowed")
		log.Debug().
			Str("path", path).
			Str("method", r.Method).
			Strs("allowed", endpoint.Methods).
			Msg("Method not allowed for webhook")
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordWebhookRequest("bad_request")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "request body too large")
			return
		}
		log.Error().Err(err).Str("path", path).Msg("Failed to read webhook body")
		writeError(w, http.StatusBadRequest, "BadRequest", "failed to read request body")
		return
	}

	headers := extractHeaders(r)
	verified := true
	var verificationError string

	if endpoint.Verification != nil {
		signature := ExtractSignature(headers, endpoint.Verification.Header)
		result := VerifySignature(endpoint.Verification, body, signature)
		verified = result.Valid

		if !result.Valid {
			verificationError = result.Error
			log.Warn().
				Str("path", path).
				Str("method", result.Method).
				Str("error", result.Error).
				Msg("Webhook signature verification failed")

			if !endpoint.Verification.SkipInvalid {
				metrics.RecordWebhookRequest("unauthorized")
				writeError(w, http.StatusUnauthorized, "InvalidSignature", "invalid signature")
				return
			}
		}
	}

	request := map[string]any{
		"method":     r.Method,
		"path":       path,
		"headers":    toAny(headers),
		"query":      toAny(extractQuery(r)),
		"body":       string(body),
		"verified":   verified,
		"webhook_id": endpoint.ID,
	}
	if verificationError != "" {
		request["verification_error"] = verificationError
	}
	var parsed any
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		request["json"] = parsed
	}

	matched, err := h.rules.Evaluate(endpoint.Condition, &rules.EvalContext{
		Request: request,
		Webhook: map[string]any{"id": endpoint.ID, "path": endpoint.Path, "function": endpoint.Function},
	})
	if err != nil {
		log.Warn().Err(err).Str("path", path).Str("condition", endpoint.Condition).Msg("Webhook condition failed to evaluate")
	}
	if !matched {
		metrics.RecordWebhookRequest("skipped")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log.Debug().
		Str("path", path).
		Str("function", endpoint.Function).
		Bool("verified", verified).
		Bool("async", endpoint.Async).
		Msg("Invoking webhook function")

	run, err := h.invoker.Invoke(r.Context(), orchestrator.InvokeRequest{
		Function:      endpoint.Function,
		Input:         request,
		Trigger:       executions.TriggerWebhook,
		TriggerRef:    endpoint.ID,
		CorrelationID: r.Header.Get("X-Correlation-ID"),
		Async:         endpoint.Async,
	})
	if err != nil {
		metrics.RecordWebhookRequest("error")
		log.Error().
			Err(err).
			Str("path", path).
			Str("function", endpoint.Function).
			Msg("Webhook function invocation failed")
		writeFailure(w, failure.From(err))
		return
	}

	if endpoint.Async {
		metrics.RecordWebhookRequest("accepted")
		exec := run.Execution()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"execution_id": exec.ID,
			"status":       exec.Status,
		})
		return
	}

	exec, err := run.Wait(r.Context())
	if err != nil {
		metrics.RecordWebhookRequest("error")
		writeFailure(w, failure.From(err))
		return
	}

	metrics.RecordWebhookRequest(string(exec.Status))
	switch exec.Status {
	case executions.StatusCompleted:
		writeOutput(w, exec.Output)
	case executions.StatusAwaitingInput:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"execution_id": exec.ID,
			"status":       exec.Status,
			"input_prompt": exec.InputPrompt,
		})
	default:
		fe := exec.Err()
		if fe == nil {
			fe = failure.New(failure.InternalError, "execution ended in status %s", exec.Status)
		}
		writeJSON(w, failure.HTTPStatus(fe.Code), map[string]any{
			"execution_id": exec.ID,
			"error":        fe.Message,
			"code":         fe.Code,
		})
	}
}

func isMethodAllowed(endpoint *Endpoint, method string) bool {
	if len(endpoint.Methods) == 0 {
		return true
	}
	for _, allowed := range endpoint.Methods {
		if allowed == method || allowed == "*" {
			return true
		}
	}
	return false
}

// extractHeaders returns the first value of each header, keyed in lower case.
func extractHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return headers
}

func extractQuery(r *http.Request) map[string]string {
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	return query
}

// toAny widens m so it validates like decoded JSON.
func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// writeOutput writes the function output. An object with a numeric
// "status" and a "body" controls the HTTP response directly.
func writeOutput(w http.ResponseWriter, output any) {
	if output == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if m, ok := output.(map[string]any); ok {
		if body, hasBody := m["body"]; hasBody {
			if headers, ok := m["headers"].(map[string]any); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						w.Header().Set(k, s)
					}
				}
			}
			status := http.StatusOK
			if s, ok := m["status"].(float64); ok {
				status = int(s)
			}

			if s, ok := body.(string); ok {
				w.WriteHeader(status)
				if _, err := w.Write([]byte(s)); err != nil {
					log.Error().Err(err).Msg("Failed to write response body")
				}
				return
			}
			writeJSON(w, status, body)
			return
		}
	}

	writeJSON(w, http.StatusOK, output)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode webhook response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeFailure(w http.ResponseWriter, fe *failure.Error) {
	writeError(w, failure.HTTPStatus(fe.Code), string(fe.Code), fe.Message)
}
