// Package server is the HTTP and WebSocket API for monitoring and operating
// the allocation controllers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/server/handler"
	"github.com/alanyoungcy/allocbot/internal/server/middleware"
	"github.com/alanyoungcy/allocbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKeys     []string // empty disables authentication
	// RateLimit is requests per client per minute; zero or a nil limiter
	// disables it.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Snapshots *handler.SnapshotHandler
	History   *handler.HistoryHandler
	Control   *handler.ControlHandler
	// Metrics serves the Prometheus exposition; nil leaves /metrics unrouted.
	Metrics http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered. The middleware
// chain is CORS, logging, rate limiting, then auth.
func NewServer(
	cfg Config,
	handlers Handlers,
	hub *ws.Hub,
	limiter domain.RateLimiter,
	recorder middleware.RequestRecorder,
	logger *slog.Logger,
) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/snapshot", handlers.Snapshots.List)
	mux.HandleFunc("GET /api/instruments/{instrument}/snapshot", handlers.Snapshots.Get)
	mux.HandleFunc("GET /api/positions", handlers.Snapshots.OpenPositions)
	mux.HandleFunc("GET /api/performance", handlers.Snapshots.Performance)

	mux.HandleFunc("GET /api/positions/closed", handlers.History.ClosedPositions)
	mux.HandleFunc("GET /api/allocations/history", handlers.History.Allocations)
	mux.HandleFunc("GET /api/audit", handlers.History.Audit)

	mux.HandleFunc("POST /api/instruments/{instrument}/resume", handlers.Control.Resume)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKeys, "/api/health", "/metrics")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Logging(logger, recorder)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
