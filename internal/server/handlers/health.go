package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/realtime"
	"github.com/watzon/tracery/internal/sandbox"
)

// SlotStats reports runtime slot usage.
type SlotStats interface {
	Stats() sandbox.PoolStats
}

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Latency string       `json:"latency,omitempty"`
	Message string       `json:"message,omitempty"`
}

type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// probe checks one component. A critical probe that fails makes the whole
// server unhealthy and not ready; any other failure only degrades it.
type probe struct {
	name     string
	critical bool
	check    func(context.Context) ComponentHealth
}

type HealthHandlers struct {
	db      *database.DB
	pool    SlotStats
	version string
	started time.Time
	probes  []probe
}

func NewHealthHandlers(db *database.DB, pool SlotStats, version string) *HealthHandlers {
	h := &HealthHandlers{db: db, pool: pool, version: version, started: time.Now()}
	if db != nil {
		h.probes = append(h.probes, probe{name: "database", critical: true, check: h.pingDatabase})
	}
	if pool != nil {
		h.probes = append(h.probes, probe{name: "runtime", check: h.slotUsage})
	}
	return h
}

func (h *HealthHandlers) run(ctx context.Context, criticalOnly bool) (HealthStatus, map[string]ComponentHealth) {
	overall := HealthStatusHealthy
	components := make(map[string]ComponentHealth, len(h.probes))
	for _, p := range h.probes {
		if criticalOnly && !p.critical {
			continue
		}
		c := p.check(ctx)
		components[p.name] = c
		switch {
		case c.Status == HealthStatusHealthy:
		case p.critical:
			overall = HealthStatusUnhealthy
		case overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}
	return overall, components
}

func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overall, components := h.run(ctx, false)
	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, HealthResponse{
		Status:     overall,
		Version:    h.version,
		Uptime:     h.uptime(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness runs only the critical probes.
func (h *HealthHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if overall, components := h.run(ctx, true); overall == HealthStatusUnhealthy {
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not ready",
			"components": components,
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HealthHandlers) pingDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()
	err := h.db.Ping(ctx)
	c := ComponentHealth{Status: HealthStatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		c.Status = HealthStatusUnhealthy
		c.Message = "database ping failed"
	}
	return c
}

func (h *HealthHandlers) slotUsage(context.Context) ComponentHealth {
	if s := h.pool.Stats(); s.Total > 0 && s.Free == 0 {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "all runtime slots busy"}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}

func (h *HealthHandlers) uptime() string {
	return time.Since(h.started).Round(time.Second).String()
}

type ProcessStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	MemSys       uint64 `json:"mem_sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

type PoolUsage struct {
	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`
	MaxOpen         int `json:"max_open"`
}

type StatsResponse struct {
	Uptime        string             `json:"uptime"`
	Process       ProcessStats       `json:"runtime"`
	StreamClients int64              `json:"stream_clients"`
	Database      *PoolUsage         `json:"database,omitempty"`
	Slots         *sandbox.PoolStats `json:"slots,omitempty"`
}

func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := StatsResponse{
		Uptime: h.uptime(),
		Process: ProcessStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     m.Alloc,
			MemSys:       m.Sys,
			NumGC:        m.NumGC,
		},
		StreamClients: realtime.Active(),
	}
	if h.db != nil {
		s := h.db.Stats()
		resp.Database = &PoolUsage{
			OpenConnections: s.OpenConnections,
			InUse:           s.InUse,
			Idle:            s.Idle,
			MaxOpen:         s.MaxOpenConnections,
		}
	}
	if h.pool != nil {
		slots := h.pool.Stats()
		resp.Slots = &slots
	}
	JSON(w, http.StatusOK, resp)
}
