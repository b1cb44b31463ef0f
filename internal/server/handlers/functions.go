package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/orchestrator"
	"github.com/watzon/tracery/internal/requestctx"
)

// FunctionHandlers handles function catalog and invoke endpoints.
type FunctionHandlers struct {
	catalog *catalog.Service
	orch    *orchestrator.Orchestrator
}

// NewFunctionHandlers creates new function handlers.
func NewFunctionHandlers(cat *catalog.Service, orch *orchestrator.Orchestrator) *FunctionHandlers {
	return &FunctionHandlers{catalog: cat, orch: orch}
}

// FunctionRequest is the body of create, update and validate requests.
// Timeout is a Go duration string.
type FunctionRequest struct {
	Name         string           `json:"name"`
	Description  *string          `json:"description,omitempty"`
	Source       *string          `json:"source,omitempty"`
	InputSchema  *json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema *json.RawMessage `json:"output_schema,omitempty"`
	Dependencies *[]string        `json:"dependencies,omitempty"`
	Timeout      *string          `json:"timeout,omitempty"`
	MemoryMB     *int             `json:"memory_mb,omitempty"`
	Active       *bool            `json:"active,omitempty"`
}

// InvokeRequest is the body of POST /api/functions/{name}/invoke.
type InvokeRequest struct {
	Input         map[string]any `json:"input"`
	Async         bool           `json:"async"`
	Trigger       string         `json:"trigger,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// RollbackRequest is the body of POST /api/functions/{name}/rollback.
type RollbackRequest struct {
	Version int `json:"version"`
}

func (req *FunctionRequest) timeout() (time.Duration, error) {
	if req.Timeout == nil || *req.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(*req.Timeout)
	if err != nil || d < 0 {
		return 0, failure.New(failure.ValidationError, "invalid timeout %q", *req.Timeout)
	}
	return d, nil
}

func (req *FunctionRequest) createInput(user string) (catalog.CreateInput, error) {
	timeout, err := req.timeout()
	if err != nil {
		return catalog.CreateInput{}, err
	}
	in := catalog.CreateInput{Name: req.Name, Timeout: timeout, CreatedBy: user}
	if req.Description != nil {
		in.Description = *req.Description
	}
	if req.Source != nil {
		in.Source = *req.Source
	}
	if req.InputSchema != nil {
		in.InputSchema = *req.InputSchema
	}
	if req.OutputSchema != nil {
		in.OutputSchema = *req.OutputSchema
	}
	if req.Dependencies != nil {
		in.Dependencies = *req.Dependencies
	}
	if req.MemoryMB != nil {
		in.MemoryMB = *req.MemoryMB
	}
	return in, nil
}

func (req *FunctionRequest) updateInput(user string) (catalog.UpdateInput, error) {
	in := catalog.UpdateInput{
		Description:  req.Description,
		Source:       req.Source,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Dependencies: req.Dependencies,
		MemoryMB:     req.MemoryMB,
		UpdatedBy:    user,
	}
	if req.Timeout != nil {
		timeout, err := req.timeout()
		if err != nil {
			return catalog.UpdateInput{}, err
		}
		in.Timeout = &timeout
	}
	return in, nil
}

// Validate handles POST /api/functions/validate.
func (h *FunctionHandlers) Validate(w http.ResponseWriter, r *http.Request) {
	var req FunctionRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	in, err := req.createInput("")
	if err != nil {
		Failure(w, r, err)
		return
	}

	art, err := h.catalog.Validate(in.Name, in.Source, in.Dependencies, in.InputSchema, in.OutputSchema)
	if err != nil {
		fe := failure.From(err)
		if !failure.UserFacing(fe.Code) {
			Failure(w, r, err)
			return
		}
		JSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": fe.Message,
			"code":  fe.Code,
		})
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"entry":      art.Entry,
		"callables":  art.Callables,
		"references": art.References,
	})
}

// Create handles POST /api/functions.
func (h *FunctionHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req FunctionRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	if req.Name == "" {
		Error(w, http.StatusUnprocessableEntity, string(failure.ValidationError), "Name is required")
		return
	}
	if req.Source == nil {
		Error(w, http.StatusUnprocessableEntity, string(failure.ValidationError), "Source is required")
		return
	}

	in, err := req.createInput(requestctx.UserID(r.Context()))
	if err != nil {
		Failure(w, r, err)
		return
	}

	fn, err := h.catalog.Create(r.Context(), in)
	if errors.Is(err, catalog.ErrExists) {
		Conflict(w, "Function already exists")
		return
	}
	if err != nil {
		Failure(w, r, err)
		return
	}

	if req.Active != nil && !*req.Active {
		if fn, err = h.catalog.SetActive(r.Context(), fn.Name, false); err != nil {
			Failure(w, r, err)
			return
		}
	}

	JSON(w, http.StatusCreated, fn)
}

// List handles GET /api/functions.
func (h *FunctionHandlers) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	fns, err := h.catalog.List(r.Context(), activeOnly)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list functions")
		InternalError(w, "Failed to list functions")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"functions": fns,
		"count":     len(fns),
	})
}

// Get handles GET /api/functions/{name}.
func (h *FunctionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	fn, err := h.catalog.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, fn)
}

// Update handles PUT /api/functions/{name}.
func (h *FunctionHandlers) Update(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req FunctionRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	if req.Name != "" && req.Name != name {
		Error(w, http.StatusUnprocessableEntity, string(failure.ValidationError), "Functions cannot be renamed")
		return
	}

	in, err := req.updateInput(requestctx.UserID(r.Context()))
	if err != nil {
		Failure(w, r, err)
		return
	}

	fn, err := h.catalog.Update(r.Context(), name, in)
	if err != nil {
		Failure(w, r, err)
		return
	}
	if req.Active != nil && *req.Active != fn.Active {
		if fn, err = h.catalog.SetActive(r.Context(), name, *req.Active); err != nil {
			Failure(w, r, err)
			return
		}
	}

	JSON(w, http.StatusOK, fn)
}

// Delete handles DELETE /api/functions/{name}.
func (h *FunctionHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Delete(r.Context(), r.PathValue("name")); err != nil {
		Failure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Versions handles GET /api/functions/{name}/versions. With ?version=N it
// returns that single version.
func (h *FunctionHandlers) Versions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			BadRequest(w, "Invalid version")
			return
		}
		version, err := h.catalog.GetVersion(r.Context(), name, n)
		if err != nil {
			Failure(w, r, err)
			return
		}
		JSON(w, http.StatusOK, version)
		return
	}

	versions, err := h.catalog.Versions(r.Context(), name)
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

// Rollback handles POST /api/functions/{name}/rollback.
func (h *FunctionHandlers) Rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	if req.Version < 1 {
		Error(w, http.StatusUnprocessableEntity, string(failure.ValidationError), "Version is required")
		return
	}

	fn, err := h.catalog.Rollback(r.Context(), r.PathValue("name"), req.Version, requestctx.UserID(r.Context()))
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, fn)
}

// Invoke handles POST /api/functions/{name}/invoke.
func (h *FunctionHandlers) Invoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if !readJSON(w, r, &req, true) {
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = requestctx.CorrelationID(r.Context())
	}

	handle, err := h.orch.Invoke(r.Context(), orchestrator.InvokeRequest{
		Function:      r.PathValue("name"),
		Input:         req.Input,
		Trigger:       executions.TriggerKind(req.Trigger),
		UserID:        requestctx.UserID(r.Context()),
		CorrelationID: correlationID,
		Async:         req.Async,
	})
	if err != nil {
		Failure(w, r, err)
		return
	}

	respondRun(w, r, handle)
}

// respondRun answers with 202 and the execution id for async runs, and with
// the finished execution for sync runs.
func respondRun(w http.ResponseWriter, r *http.Request, handle *orchestrator.Handle) {
	if handle.Async {
		exec := handle.Execution()
		JSON(w, http.StatusAccepted, map[string]any{
			"execution_id": handle.ExecutionID,
			"status":       exec.Status,
		})
		return
	}

	exec, err := handle.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		log.Error().Err(err).Str("execution_id", handle.ExecutionID).Msg("Failed to record execution outcome")
		InternalError(w, "Failed to record execution outcome")
		return
	}
	JSON(w, http.StatusOK, exec)
}
