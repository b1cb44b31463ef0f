package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/credentials"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/orchestrator"
)

type credentialKey struct{}

// CredentialVerifier checks execution credentials.
type CredentialVerifier interface {
	Verify(token string) (credentials.ExecutionContext, error)
}

// InternalHandlers serves the callback API used by running functions.
// Every route requires an execution credential as a bearer token.
type InternalHandlers struct {
	verifier CredentialVerifier
	catalog  *catalog.Service
	orch     *orchestrator.Orchestrator
}

// NewInternalHandlers creates new internal API handlers.
func NewInternalHandlers(verifier CredentialVerifier, cat *catalog.Service, orch *orchestrator.Orchestrator) *InternalHandlers {
	return &InternalHandlers{verifier: verifier, catalog: cat, orch: orch}
}

// ExecutionContextFrom returns the verified context of a callback request.
func ExecutionContextFrom(ctx context.Context) (credentials.ExecutionContext, bool) {
	ec, ok := ctx.Value(credentialKey{}).(credentials.ExecutionContext)
	return ec, ok
}

// RequireCredential rejects requests without a valid execution credential.
func (h *InternalHandlers) RequireCredential(next HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			Unauthorized(w, "Missing execution credential")
			return
		}

		ec, err := h.verifier.Verify(token)
		if err != nil {
			msg := "Invalid execution credential"
			if errors.Is(err, credentials.ErrExpiredToken) {
				msg = "Execution credential has expired"
			}
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Callback rejected")
			Unauthorized(w, msg)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), credentialKey{}, ec)))
	}
}

// Context handles GET /api/internal/context.
func (h *InternalHandlers) Context(w http.ResponseWriter, r *http.Request) {
	ec, _ := ExecutionContextFrom(r.Context())
	out := ec.Map()
	out["expires_at"] = ec.ExpiresAt.UTC().Format(time.RFC3339)
	JSON(w, http.StatusOK, out)
}

// Refresh handles POST /api/internal/refresh.
func (h *InternalHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	ec, _ := ExecutionContextFrom(r.Context())

	fresh, err := h.orch.Refresh(r.Context(), ec)
	if err != nil {
		Failure(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"execution_id": fresh.ExecutionID,
		"credential":   fresh.Credential,
		"expires_at":   fresh.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Function handles GET /api/internal/functions/{name}. Only active
// functions are visible.
func (h *InternalHandlers) Function(w http.ResponseWriter, r *http.Request) {
	fn, err := h.catalog.Resolve(r.Context(), r.PathValue("name"))
	if err != nil {
		Failure(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"name":          fn.Name,
		"version":       fn.Version,
		"input_schema":  fn.InputSchema,
		"output_schema": fn.OutputSchema,
		"dependencies":  fn.Dependencies,
	})
}

// Invoke handles POST /api/internal/functions/{name}/invoke. The new
// execution runs as the caller's user and shares its correlation id, or
// correlates to the caller's execution when it has none.
func (h *InternalHandlers) Invoke(w http.ResponseWriter, r *http.Request) {
	ec, _ := ExecutionContextFrom(r.Context())

	var req InvokeRequest
	if !readJSON(w, r, &req, true) {
		return
	}

	correlationID := ec.CorrelationID
	if correlationID == "" {
		correlationID = ec.ExecutionID
	}
	trigger := executions.TriggerKind(req.Trigger)
	if trigger == "" {
		trigger = executions.TriggerKind(ec.Trigger)
	}

	handle, err := h.orch.Invoke(r.Context(), orchestrator.InvokeRequest{
		Function:      r.PathValue("name"),
		Input:         req.Input,
		Trigger:       trigger,
		TriggerRef:    ec.ExecutionID,
		UserID:        ec.UserID,
		CorrelationID: correlationID,
		Async:         req.Async,
	})
	if err != nil {
		Failure(w, r, err)
		return
	}

	log.Debug().
		Str("execution_id", handle.ExecutionID).
		Str("caller_id", ec.ExecutionID).
		Msg("Callback invocation")

	respondRun(w, r, handle)
}
