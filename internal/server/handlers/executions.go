package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/orchestrator"
	"github.com/watzon/tracery/internal/realtime"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExecutionHandlers handles execution endpoints.
type ExecutionHandlers struct {
	orch *orchestrator.Orchestrator
}

// NewExecutionHandlers creates new execution handlers.
func NewExecutionHandlers(orch *orchestrator.Orchestrator) *ExecutionHandlers {
	return &ExecutionHandlers{orch: orch}
}

// ContinueRequest is the body of POST /api/executions/{id}/continue.
type ContinueRequest struct {
	Input map[string]any `json:"input"`
	Async bool           `json:"async"`
}

// List handles GET /api/executions.
func (h *ExecutionHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := executions.Filter{
		Function:      q.Get("function"),
		Status:        executions.Status(q.Get("status")),
		Trigger:       executions.TriggerKind(q.Get("trigger")),
		CorrelationID: q.Get("correlation_id"),
		Limit:         defaultListLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		BadRequest(w, "Unknown status "+string(f.Status))
		return
	}
	if f.Trigger != "" && !f.Trigger.Valid() {
		BadRequest(w, "Unknown trigger "+string(f.Trigger))
		return
	}

	for _, bound := range []struct {
		param string
		dst   *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(bound.param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(w, "Invalid "+bound.param+": want an RFC 3339 timestamp")
			return
		}
		*bound.dst = t
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = min(n, maxListLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	list, total, err := h.orch.ListExecutions(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list executions")
		InternalError(w, "Failed to list executions")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"executions": list,
		"count":      len(list),
		"total":      total,
		"limit":      f.Limit,
		"offset":     f.Offset,
	})
}

// Get handles GET /api/executions/{id}.
func (h *ExecutionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	exec, err := h.orch.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, exec)
}

// Steps handles GET /api/executions/{id}/steps.
func (h *ExecutionHandlers) Steps(w http.ResponseWriter, r *http.Request) {
	tree, err := h.orch.GetSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		Failure(w, r, err)
		return
	}
	if tree == nil {
		tree = []*executions.StepNode{}
	}
	JSON(w, http.StatusOK, map[string]any{"steps": tree})
}

// Events handles GET /api/executions/{id}/events.
func (h *ExecutionHandlers) Events(w http.ResponseWriter, r *http.Request) {
	after, ok := afterParam(w, r)
	if !ok {
		return
	}

	evs, err := h.orch.Events(r.Context(), r.PathValue("id"), after)
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}

// Stream handles GET /api/executions/{id}/stream. The connection replays
// events after ?after=N, follows the execution live, and ends with an end
// message once it is terminal or awaiting input.
func (h *ExecutionHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, ok := afterParam(w, r)
	if !ok {
		return
	}

	if _, err := h.orch.GetExecution(r.Context(), id); err != nil {
		Failure(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to accept WebSocket connection")
		return
	}

	client := realtime.NewClient(conn, id)
	evs, err := h.orch.StreamEventsAfter(client.Context(), id, after)
	if err != nil {
		_ = client.SendError("", realtime.ErrorCodeInternalError, failure.From(err).Message)
		client.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	log.Debug().Str("execution_id", id).Str("client_id", client.ID).Msg("Stream client connected")

	client.Run(after, evs, func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec, err := h.orch.GetExecution(ctx, id)
		if err != nil {
			return ""
		}
		return string(exec.Status)
	})
}

// Continue handles POST /api/executions/{id}/continue.
func (h *ExecutionHandlers) Continue(w http.ResponseWriter, r *http.Request) {
	var req ContinueRequest
	if !readJSON(w, r, &req, true) {
		return
	}

	handle, err := h.orch.ContinueExecution(r.Context(), r.PathValue("id"), req.Input, req.Async)
	if err != nil {
		Failure(w, r, err)
		return
	}

	respondRun(w, r, handle)
}

func afterParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		BadRequest(w, "Invalid after sequence")
		return 0, false
	}
	return n, true
}
