package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/kektorbrain/internal/config"
	"github.com/sanonone/kektorbrain/internal/mcp"
	"github.com/sanonone/kektorbrain/pkg/engine"
)

// Server holds the HTTP interface and the underlying Engine.
type Server struct {
	Engine *engine.Engine

	httpServer  *http.Server
	taskManager *TaskManager
	authToken   string
	logger      *slog.Logger

	// tasks run detached from the request; cancelled on Shutdown.
	tasksCtx    context.Context
	cancelTasks context.CancelFunc
}

// NewServer builds the router on top of an open Engine. The Engine is not
// closed by Shutdown; the caller owns its lifecycle.
func NewServer(eng *engine.Engine, cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:      eng,
		taskManager: NewTaskManager(),
		authToken:   cfg.AuthToken,
		logger:      logger,
	}
	s.tasksCtx, s.cancelTasks = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(cfg.RequestTimeout),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// routes wires the middleware chain: Recovery is outermost so it catches
// panics from everything below, Auth only guards the API group.
func (s *Server) routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(s.RecoveryMiddleware)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.LoggingMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	// MCP sessions are long-lived, so they sit outside the request timeout.
	mcpServer := mcp.NewMCPServer(s.Engine)
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server { return mcpServer }, nil)
	r.With(s.authMiddleware).Handle("/mcp", mcpHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if requestTimeout > 0 {
			r.Use(chimiddleware.Timeout(requestTimeout))
		}

		r.Route("/entities", func(r chi.Router) {
			r.Post("/", s.handleUpsertEntity)
			r.Put("/", s.handleUpsertEntity)
			r.Get("/", s.handleListEntities)
			r.Get("/{id}", s.handleGetEntity)
			r.Delete("/{id}", s.handleDeleteEntity)
			r.Get("/{id}/similar", s.handleSimilar)
			r.Get("/{id}/neighbors", s.handleNeighbors)
		})

		r.Post("/links", s.handleLink)
		r.Delete("/links", s.handleUnlink)
		r.Get("/path", s.handleFindPath)

		r.Post("/search", s.handleSemanticSearch)
		r.Post("/query", s.handleQuery)
		r.Get("/graph", s.handleGraphSnapshot)
		r.Get("/stats", s.handleStats)

		r.Route("/system", func(r chi.Router) {
			r.Post("/save", s.handleSave)
			r.Post("/reconcile", s.handleReconcile)
			r.Post("/backfill", s.handleBackfill)
			r.Post("/refine", s.handleRefine)
			r.Get("/tasks/{id}", s.handleGetTask)
		})
	})
	return r
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and cancels running tasks. It does NOT
// close the Engine.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown of HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.cancelTasks()
}
