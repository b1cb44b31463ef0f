package server

import (
	"net/http"

	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/server/handlers"
)

type Middleware func(http.Handler) http.Handler

// Router owns the route table and the middleware chain around it. The chain
// is assembled once, after every route is registered.
type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
	handler     http.Handler
}

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()
	r.handler = chain(r.mux, r.middlewares)

	return r
}

// chain applies mws so the first one listed sees the request first.
func chain(h http.Handler, mws []Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (r *Router) setupMiddleware() {
	cfg := r.server.cfg.Server

	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(LoggingMiddleware)

	if cfg.CORS.Enabled {
		r.Use(CORSMiddleware(cfg.CORS))
	}
	if cfg.MaxBodySize > 0 {
		r.Use(MaxBodySizeMiddleware(cfg.MaxBodySize))
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// routeGroup registers handlers under a shared path prefix, each wrapped by
// the group's guard when one is set.
type routeGroup struct {
	mux    *http.ServeMux
	prefix string
	guard  func(handlers.HandlerFunc) handlers.HandlerFunc
}

func (r *Router) group(prefix string) *routeGroup {
	return &routeGroup{mux: r.mux, prefix: prefix}
}

func (g *routeGroup) handle(method, path string, fn handlers.HandlerFunc) {
	if g.guard != nil {
		fn = g.guard(fn)
	}
	g.mux.HandleFunc(method+" "+g.prefix+path, fn)
}

func (r *Router) setupRoutes() {
	srv := r.server

	health := handlers.NewHealthHandlers(srv.db, srv.pool, srv.version)
	probes := r.group("/health")
	probes.handle("GET", "", health.Health)
	probes.handle("GET", "/live", health.Liveness)
	probes.handle("GET", "/ready", health.Readiness)

	api := r.group("/api")
	api.handle("GET", "/stats", health.Stats)

	if srv.cfg.Metrics.Enabled {
		r.mux.Handle("GET /metrics", metrics.Handler())
	}

	if srv.cfg.Docs.Enabled {
		docs := handlers.NewDocsHandler(srv.catalog, srv.cfg, srv.version)
		api.handle("GET", "/openapi.json", docs.OpenAPISpec)
		api.handle("GET", "/docs", docs.DocsUI)
	}

	fn := handlers.NewFunctionHandlers(srv.catalog, srv.orch)
	functions := r.group("/api/functions")
	functions.handle("POST", "/validate", fn.Validate)
	functions.handle("GET", "", fn.List)
	functions.handle("POST", "", fn.Create)
	functions.handle("GET", "/{name}", fn.Get)
	functions.handle("PUT", "/{name}", fn.Update)
	functions.handle("DELETE", "/{name}", fn.Delete)
	functions.handle("GET", "/{name}/versions", fn.Versions)
	functions.handle("POST", "/{name}/rollback", fn.Rollback)
	functions.handle("POST", "/{name}/invoke", fn.Invoke)

	ex := handlers.NewExecutionHandlers(srv.orch)
	executions := r.group("/api/executions")
	executions.handle("GET", "", ex.List)
	executions.handle("GET", "/{id}", ex.Get)
	executions.handle("GET", "/{id}/steps", ex.Steps)
	executions.handle("GET", "/{id}/events", ex.Events)
	executions.handle("GET", "/{id}/stream", ex.Stream)
	executions.handle("POST", "/{id}/continue", ex.Continue)

	wh := handlers.NewWebhookHandlers(srv.webhooks, srv.catalog)
	webhooks := r.group("/api/webhooks")
	webhooks.handle("GET", "", wh.List)
	webhooks.handle("POST", "", wh.Create)
	webhooks.handle("GET", "/{id}", wh.Get)
	webhooks.handle("PUT", "/{id}", wh.Update)
	webhooks.handle("DELETE", "/{id}", wh.Delete)
	// Any method may deliver a webhook; the ingress answers 405 itself.
	r.mux.Handle("/webhooks/{path...}", srv.limiter.Middleware(srv.webhooks))

	if srv.scheduler != nil {
		sc := handlers.NewScheduleHandlers(srv.scheduler, srv.catalog)
		schedules := r.group("/api/schedules")
		schedules.handle("GET", "", sc.List)
		schedules.handle("POST", "", sc.Create)
		schedules.handle("GET", "/{id}", sc.Get)
		schedules.handle("PUT", "/{id}", sc.Update)
		schedules.handle("DELETE", "/{id}", sc.Delete)
	}

	in := handlers.NewInternalHandlers(srv.issuer, srv.catalog, srv.orch)
	internal := r.group("/api/internal")
	internal.guard = in.RequireCredential
	internal.handle("GET", "/context", in.Context)
	internal.handle("POST", "/refresh", in.Refresh)
	internal.handle("GET", "/functions/{name}", in.Function)
	internal.handle("POST", "/functions/{name}/invoke", in.Invoke)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
