//
//
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robot-control/rbc/internal/auth"
	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer     *http.Server
	orchestrator   OrchestratorPort
	events         EventsPort
	authMiddleware *auth.Middleware
	gatherer       prometheus.Gatherer
	metrics        *metrics.Metrics
	logger         *slog.Logger
	version        string
	startTime      time.Time
	config         config.HTTPConfig
}

// Option configures a Server.
type Option func(*Server)

// WithAuth protects the API with the given middleware.
func WithAuth(m *auth.Middleware) Option {
	return func(s *Server) { s.authMiddleware = m }
}

// WithMetrics exposes gatherer on /metrics and counts requests in m.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// NewServer creates a new API server.
func NewServer(orchestrator OrchestratorPort, events EventsPort, cfg config.HTTPConfig, opts ...Option) *Server {
	s := &Server{
		orchestrator: orchestrator,
		events:       events,
		logger:       slog.New(slog.DiscardHandler),
		version:      "dev",
		startTime:    time.Now(),
		config:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.authMiddleware == nil {
		s.authMiddleware = auth.NewMiddleware(nil, s.logger)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.config.Addr
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("API listening", "addr", addr, "auth", s.authMiddleware.Enabled())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// GetServer returns the underlying HTTP server for testing.
func (s *Server) GetServer() *http.Server {
	return s.httpServer
}
