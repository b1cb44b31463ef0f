package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/requestctx"
	"github.com/watzon/tracery/internal/scheduler"
)

// FunctionLookup checks that a trigger's target function exists.
type FunctionLookup interface {
	Get(ctx context.Context, name string) (*catalog.Function, error)
}

// ScheduleHandlers handles schedule-related endpoints.
type ScheduleHandlers struct {
	scheduler *scheduler.Scheduler
	functions FunctionLookup
}

// NewScheduleHandlers creates new schedule handlers.
func NewScheduleHandlers(sched *scheduler.Scheduler, functions FunctionLookup) *ScheduleHandlers {
	return &ScheduleHandlers{
		scheduler: sched,
		functions: functions,
	}
}

// ScheduleRequest is the request body for creating or updating a schedule.
// On update, nil fields keep their current value.
type ScheduleRequest struct {
	Name       *string                 `json:"name,omitempty"`
	Function   *string                 `json:"function,omitempty"`
	Type       *scheduler.ScheduleType `json:"type,omitempty"`
	Expression *string                 `json:"expression,omitempty"`
	Timezone   *string                 `json:"timezone,omitempty"`
	Input      map[string]any          `json:"input,omitempty"`
	Enabled    *bool                   `json:"enabled,omitempty"`
}

func (req *ScheduleRequest) apply(s *scheduler.Schedule) {
	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.Function != nil {
		s.Function = *req.Function
	}
	if req.Type != nil {
		s.Type = *req.Type
	}
	if req.Expression != nil {
		s.Expression = *req.Expression
	}
	if req.Timezone != nil {
		s.Timezone = *req.Timezone
	}
	if req.Input != nil {
		s.Input = req.Input
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
}

// List handles GET /api/schedules. ?function= narrows to one function.
func (h *ScheduleHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		schedules []*scheduler.Schedule
		err       error
	)
	if fn := r.URL.Query().Get("function"); fn != "" {
		schedules, err = h.scheduler.FindByFunction(ctx, fn)
	} else {
		schedules, err = h.scheduler.List(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to list schedules")
		InternalError(w, "Failed to list schedules")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandlers) Get(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		Failure(w, r, err)
		return
	}
	JSON(w, http.StatusOK, schedule)
}

// Create handles POST /api/schedules.
func (h *ScheduleHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ScheduleRequest
	if !readJSON(w, r, &req, false) {
		return
	}

	schedule := &scheduler.Schedule{Enabled: true, UserID: requestctx.UserID(r.Context())}
	req.apply(schedule)

	if !functionExists(w, r, h.functions, schedule.Function) {
		return
	}

	if err := h.scheduler.Create(ctx, schedule); err != nil {
		h.writeError(w, r, err)
		return
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("function", schedule.Function).
		Str("type", string(schedule.Type)).
		Msg("Schedule created")

	JSON(w, http.StatusCreated, schedule)
}

// Update handles PUT /api/schedules/{id}.
func (h *ScheduleHandlers) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	schedule, err := h.scheduler.Get(ctx, r.PathValue("id"))
	if err != nil {
		Failure(w, r, err)
		return
	}

	var req ScheduleRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	req.apply(schedule)

	if req.Function != nil && !functionExists(w, r, h.functions, schedule.Function) {
		return
	}

	if err := h.scheduler.Update(ctx, schedule); err != nil {
		h.writeError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, schedule)
}

// Delete handles DELETE /api/schedules/{id}.
func (h *ScheduleHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Delete(r.Context(), r.PathValue("id")); err != nil {
		Failure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// functionExists writes a 422 and reports false when name is not in the
// catalog.
func functionExists(w http.ResponseWriter, r *http.Request, functions FunctionLookup, name string) bool {
	if name == "" || functions == nil {
		return true
	}
	if _, err := functions.Get(r.Context(), name); err != nil {
		if failure.Is(err, failure.NotFound) {
			Error(w, http.StatusUnprocessableEntity, string(failure.ValidationError), "Function "+name+" does not exist")
			return false
		}
		Failure(w, r, err)
		return false
	}
	return true
}

func (h *ScheduleHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, scheduler.ErrExists) {
		Conflict(w, "Schedule name already exists")
		return
	}
	Failure(w, r, err)
}
