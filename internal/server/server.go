package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/credentials"
	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/executions"
	"github.com/watzon/tracery/internal/functions"
	"github.com/watzon/tracery/internal/metrics"
	"github.com/watzon/tracery/internal/orchestrator"
	"github.com/watzon/tracery/internal/rules"
	"github.com/watzon/tracery/internal/sandbox"
	"github.com/watzon/tracery/internal/scheduler"
	"github.com/watzon/tracery/internal/storage"
	"github.com/watzon/tracery/internal/stream"
	"github.com/watzon/tracery/internal/tracker"
	"github.com/watzon/tracery/internal/webhooks"
)

const trackerSweepInterval = time.Minute

type Server struct {
	cfg     *config.Config
	db      *database.DB
	version string

	catalog   *catalog.Service
	issuer    *credentials.Issuer
	hub       *stream.Hub
	tracker   *tracker.Tracker
	pool      *sandbox.Pool
	orch      *orchestrator.Orchestrator
	retention *stream.Retention
	scheduler *scheduler.Scheduler
	webhooks  *webhooks.Handler
	syncer    *functions.Syncer
	watcher   *functions.Watcher
	limiter   *RateLimiter

	httpServer *http.Server
	router     *Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Server)

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithRunner replaces the runtime selected by the configuration.
func WithRunner(runner sandbox.Runner) Option {
	return func(s *Server) {
		s.pool = sandbox.NewPool(runner, s.cfg.Runtime.MaxConcurrent)
	}
}

// New builds the execution platform on db.
func New(ctx context.Context, cfg *config.Config, db *database.DB, opts ...Option) (*Server, error) {
	srv := &Server{
		cfg:     cfg,
		db:      db,
		version: "dev",
	}
	for _, opt := range opts {
		opt(srv)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.RegisterDatabase(db.DB); err != nil {
			log.Warn().Err(err).Msg("Database pool metrics unavailable")
		}
	}

	srv.catalog = catalog.NewService(db, cfg.Runtime.AllowedPackages)
	srv.issuer = credentials.NewIssuer(cfg.Credentials, cfg.Server.CallbackURL())

	execStore := executions.NewStore(db)
	eventStore := events.NewStore(db)
	srv.hub = stream.NewHub(eventStore, cfg.Stream)
	srv.tracker = tracker.New(execStore, eventStore, srv.hub)

	if srv.pool == nil {
		// The in-process runner refreshes through the orchestrator, which
		// does not exist yet.
		refresh := func(ctx context.Context, ec credentials.ExecutionContext) (credentials.ExecutionContext, error) {
			return srv.orch.Refresh(ctx, ec)
		}
		runner, err := sandbox.NewRunner(ctx, cfg.Runtime, refresh)
		if err != nil {
			return nil, fmt.Errorf("creating runtime: %w", err)
		}
		srv.pool = sandbox.NewPool(runner, cfg.Runtime.MaxConcurrent)
	}

	var archive *stream.Archive
	if cfg.Archive.Enabled {
		backend, err := storage.NewBackend(ctx, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("creating event archive: %w", err)
		}
		archive = stream.NewArchive(backend)
	}
	srv.retention = stream.NewRetention(eventStore, archive, cfg.Stream)

	deps := orchestrator.Deps{
		Catalog:    srv.catalog,
		Issuer:     srv.issuer,
		Executions: execStore,
		Tracker:    srv.tracker,
		Events:     eventStore,
		Stream:     srv.hub,
		Pool:       srv.pool,
	}
	if archive != nil {
		deps.Archive = archive
	}
	srv.orch = orchestrator.New(deps, cfg.Runtime)

	if cfg.Scheduler.Enabled {
		srv.scheduler = scheduler.NewScheduler(db, scheduler.Orchestrated(srv.orch), cfg.Scheduler)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("creating rules engine: %w", err)
	}
	srv.webhooks = webhooks.NewHandler(webhooks.NewStore(db), engine, webhooks.Orchestrated(srv.orch))
	srv.limiter = NewRateLimiter(cfg.Server.WebhookRateLimit)

	if cfg.Functions.Dir != "" {
		srv.syncer = functions.NewSyncer(srv.catalog, cfg.Functions.Dir)
		if cfg.Functions.Watch {
			w, err := functions.NewWatcher(srv.syncer, cfg.Functions.Debounce)
			if err != nil {
				return nil, err
			}
			srv.watcher = w
		}
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv, nil
}

// StartBackground starts every component except the HTTP listener.
func (s *Server) StartBackground(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepTracker(ctx)
	}()

	s.retention.Start(ctx)

	if s.syncer != nil {
		results, err := s.syncer.SyncAll(ctx)
		if err != nil {
			return fmt.Errorf("syncing functions: %w", err)
		}
		log.Info().Int("count", len(results)).Msg("Functions synced")

		if s.watcher != nil {
			if err := s.watcher.Start(); err != nil {
				return fmt.Errorf("starting function watcher: %w", err)
			}
		}
	}

	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Str("runtime", s.cfg.Runtime.Mode).
		Int("slots", s.cfg.Runtime.MaxConcurrent).
		Msg("Starting server")

	if err := s.StartBackground(ctx); err != nil {
		return err
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then drains executions and stops the
// background components.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.watcher != nil {
		if werr := s.watcher.Stop(); werr != nil {
			log.Warn().Err(werr).Msg("Error stopping function watcher")
		}
	}

	if oerr := s.orch.Close(ctx); oerr != nil {
		log.Warn().Err(oerr).Msg("Executions still running at shutdown")
	}
	if perr := s.pool.Close(ctx); perr != nil {
		log.Warn().Err(perr).Msg("Error closing runtime pool")
	}

	s.retention.Stop()
	s.limiter.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	log.Info().Msg("Server stopped")
	return err
}

func (s *Server) sweepTracker(ctx context.Context) {
	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.tracker.Sweep(s.cfg.Stream.Linger); n > 0 {
				log.Debug().Int("executions", n).Msg("Swept idle tracker state")
			}
		}
	}
}

// Handler returns the HTTP handler with every middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) DB() *database.DB {
	return s.db
}

func (s *Server) Catalog() *catalog.Service {
	return s.catalog
}

func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

func (s *Server) Issuer() *credentials.Issuer {
	return s.issuer
}
