package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/webhooks"
)

const redactedSecret = "********"

// WebhookHandlers handles webhook endpoint management.
type WebhookHandlers struct {
	webhooks  *webhooks.Handler
	functions FunctionLookup
}

// NewWebhookHandlers creates new webhook handlers.
func NewWebhookHandlers(handler *webhooks.Handler, functions FunctionLookup) *WebhookHandlers {
	return &WebhookHandlers{webhooks: handler, functions: functions}
}

// WebhookRequest is the request body for creating or updating a webhook.
// On update, nil fields keep their current value.
type WebhookRequest struct {
	Path         *string                `json:"path,omitempty"`
	Function     *string                `json:"function,omitempty"`
	Methods      []string               `json:"methods,omitempty"`
	Verification *webhooks.Verification `json:"verification,omitempty"`
	Condition    *string                `json:"condition,omitempty"`
	Async        *bool                  `json:"async,omitempty"`
	Active       *bool                  `json:"active,omitempty"`
}

func (req *WebhookRequest) apply(e *webhooks.Endpoint) {
	if req.Path != nil {
		e.Path = *req.Path
	}
	if req.Function != nil {
		e.Function = *req.Function
	}
	if req.Methods != nil {
		e.Methods = req.Methods
	}
	if req.Verification != nil {
		v := *req.Verification
		if v.Type == "" {
			e.Verification = nil
		} else {
			if v.Secret == "" && e.Verification != nil {
				v.Secret = e.Verification.Secret
			}
			e.Verification = &v
		}
	}
	if req.Condition != nil {
		e.Condition = *req.Condition
	}
	if req.Async != nil {
		e.Async = *req.Async
	}
	if req.Active != nil {
		e.Active = *req.Active
	}
}

// redacted returns a copy of e safe to send to clients.
func redacted(e *webhooks.Endpoint) *webhooks.Endpoint {
	cp := *e
	if e.Verification != nil {
		v := *e.Verification
		v.Secret = redactedSecret
		cp.Verification = &v
	}
	return &cp
}

// List handles GET /api/webhooks.
func (h *WebhookHandlers) List(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.webhooks.Store().List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list webhooks")
		InternalError(w, "Failed to list webhooks")
		return
	}

	out := make([]*webhooks.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, redacted(e))
	}
	JSON(w, http.StatusOK, map[string]any{
		"webhooks": out,
		"count":    len(out),
	})
}

// Get handles GET /api/webhooks/{id}.
func (h *WebhookHandlers) Get(w http.ResponseWriter, r *http.Request) {
	endpoint, err := h.webhooks.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, redacted(endpoint))
}

// Create handles POST /api/webhooks.
func (h *WebhookHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !readJSON(w, r, &req, false) {
		return
	}

	endpoint := &webhooks.Endpoint{Active: true}
	req.apply(endpoint)
	if !h.save(w, r, endpoint, true) {
		return
	}

	log.Info().
		Str("webhook_id", endpoint.ID).
		Str("path", endpoint.Path).
		Str("function", endpoint.Function).
		Msg("Webhook created")

	JSON(w, http.StatusCreated, redacted(endpoint))
}

// Update handles PUT /api/webhooks/{id}.
func (h *WebhookHandlers) Update(w http.ResponseWriter, r *http.Request) {
	endpoint, err := h.webhooks.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		Failure(w, r, err)
		return
	}

	var req WebhookRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	req.apply(endpoint)
	if !h.save(w, r, endpoint, false) {
		return
	}

	JSON(w, http.StatusOK, redacted(endpoint))
}

// Delete handles DELETE /api/webhooks/{id}.
func (h *WebhookHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Store().Delete(r.Context(), r.PathValue("id")); err != nil {
		Failure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandlers) save(w http.ResponseWriter, r *http.Request, endpoint *webhooks.Endpoint, create bool) bool {
	if err := h.webhooks.Validate(endpoint); err != nil {
		Failure(w, r, err)
		return false
	}

	if !functionExists(w, r, h.functions, endpoint.Function) {
		return false
	}

	var err error
	if create {
		err = h.webhooks.Store().Create(r.Context(), endpoint)
	} else {
		err = h.webhooks.Store().Update(r.Context(), endpoint)
	}
	if errors.Is(err, webhooks.ErrExists) {
		Conflict(w, "Webhook path already exists")
		return false
	}
	if err != nil {
		Failure(w, r, err)
		return false
	}
	return true
}
