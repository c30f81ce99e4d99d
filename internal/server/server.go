// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the "wiring" layer — it connects handlers, middleware,
// and routes, and it is the composition root where the dependency chain is
// assembled:
//
//	config → engine provisioner → session store → sandbox service → handlers
//
// Keeping the wiring out of main.go makes the server testable without
// running a binary and keeps main minimal.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/code-sandbox/internal/config"
	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/handler"
	"github.com/sakif/code-sandbox/internal/middleware"
	"github.com/sakif/code-sandbox/internal/observability"
	"github.com/sakif/code-sandbox/internal/repository"
	sqliteRepo "github.com/sakif/code-sandbox/internal/repository/sqlite"
	"github.com/sakif/code-sandbox/internal/service"
	"github.com/sakif/code-sandbox/internal/session"
)

// Server represents the HTTP server and all its dependencies. The server
// owns the session store and the history database; both are shut down
// cleanly when Start returns.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger
	store  *session.Store
	db     *sqliteRepo.DB // nil when history is disabled
}

// New creates a new Server with the given config and engine provisioner.
// The provisioner is injected so tests can wire a fake engine instead of
// Docker.
func New(cfg *config.Config, logger *slog.Logger, prov engine.Provisioner) (*Server, error) {
	var db *sqliteRepo.DB
	var history repository.HistoryRepository
	if cfg.History.Enabled {
		var err error
		db, err = sqliteRepo.New(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("opening history database: %w", err)
		}
		history = db
	}

	store := session.New(session.Config{
		MaxSessions:    cfg.Sessions.MaxSessions,
		IdleTimeout:    cfg.Sessions.IdleTimeout,
		SweepInterval:  cfg.Sessions.SweepInterval,
		KeepUnreliable: !cfg.Sessions.ReapOnTimeout,
	}, prov, logger)

	sandbox := service.NewSandbox(store, history, logger, service.Config{
		DefaultExecTimeout: cfg.Sessions.DefaultExecTimeout,
		MaxExecTimeout:     cfg.Sessions.MaxExecTimeout,
		OpTimeout:          10 * time.Second,
	})

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		store:  store,
		db:     db,
	}

	s.setupRoutes(sandbox)

	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// Route structure:
//
//	POST   /api/sessions                      → create session
//	GET    /api/sessions/{id}                 → session status
//	DELETE /api/sessions/{id}                 → destroy session
//	POST   /api/sessions/{id}/execute         → execute a code fragment
//	GET    /api/sessions/{id}/executions      → recorded execute history
//	GET    /api/sessions/{id}/variables       → namespace listing
//	GET    /api/sessions/{id}/variables/{name}→ one binding's repr
//	GET    /api/sessions/{id}/files           → list working directory
//	POST   /api/sessions/{id}/files           → upload (body = contents, ?path=)
//	GET    /api/sessions/{id}/files/download  → download (?path=)
//	GET    /api/health                        → acceptance + occupancy
//	GET    /metrics                           → Prometheus (when enabled)
func (s *Server) setupRoutes(sandbox *service.Sandbox) {
	// Middleware order matters: request id first so the logger can use it,
	// recoverer so a panicking handler returns 500 instead of crashing.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	sessionHandler := handler.NewSessionHandler(sandbox, s.logger)
	executeHandler := handler.NewExecuteHandler(sandbox, s.logger)
	fileHandler := handler.NewFileHandler(sandbox, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", sessionHandler.HandleHealth)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.HandleCreate)
			r.Get("/{id}", sessionHandler.HandleGet)
			r.Delete("/{id}", sessionHandler.HandleDestroy)

			r.Post("/{id}/execute", executeHandler.HandleExecute)
			r.Get("/{id}/executions", executeHandler.HandleExecutions)
			r.Get("/{id}/variables", executeHandler.HandleVariables)
			r.Get("/{id}/variables/{name}", executeHandler.HandleVariable)

			r.Get("/{id}/files", fileHandler.HandleList)
			r.Post("/{id}/files", fileHandler.HandleUpload)
			r.Get("/{id}/files/download", fileHandler.HandleDownload)
		})
	})

	if s.config.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		observability.Register(registry)
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.router.Handle(s.config.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
}

// Router exposes the configured router for httptest-based tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the session store and the HTTP server, then blocks until a
// shutdown signal arrives. Shutdown order: stop accepting connections,
// wait for in-flight requests, stop the store (destroying sessions), close
// the history database.
func (s *Server) Start() error {
	if s.db != nil {
		defer s.db.Close()
	}

	s.store.Start()
	defer s.store.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.Int("maxSessions", s.config.Sessions.MaxSessions),
			slog.String("image", s.config.Sandbox.Image),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
