// Package server provides the HTTP server of the Steward control plane.
//
// This package implements a production-ready HTTP server with:
//   - a chi router carrying panic recovery, request ids and access logging
//   - a health endpoint that runs the registered readiness checks
//   - a Prometheus endpoint backed by a private registry
//   - background components started before and stopped after the listener
//   - graceful shutdown bounded by the configured write timeout
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
	"github.com/Studio-Elephant-and-Rope/steward/internal/middleware"
)

// Version information for the server
// These can be set during build time via -ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// RouteRegistrar adds a group of API routes to the router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Component is a background process whose lifetime is bound to the server,
// such as the telemetry receiver or the event delivery workers.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type namedComponent struct {
	name      string
	component Component
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// Option configures a Server.
type Option func(*Server)

// WithRoutes registers API route groups.
func WithRoutes(registrars ...RouteRegistrar) Option {
	return func(s *Server) { s.registrars = append(s.registrars, registrars...) }
}

// WithComponent binds a background component to the server lifecycle.
// Components start in registration order and stop in reverse.
func WithComponent(name string, c Component) Option {
	return func(s *Server) { s.components = append(s.components, namedComponent{name: name, component: c}) }
}

// WithHealthCheck adds a named check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks = append(s.checks, namedCheck{name: name, check: check}) }
}

// WithRegistry serves metrics from reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// Server represents the HTTP server instance with its configuration and state.
type Server struct {
	config     *config.Config
	logger     *logging.Logger
	httpServer *http.Server
	startTime  time.Time
	router     chi.Router
	registry   *prometheus.Registry

	registrars []RouteRegistrar
	components []namedComponent
	checks     []namedCheck

	mu       sync.Mutex
	listener net.Listener
	started  []namedComponent
	serveErr chan error
}

// HealthResponse represents the structure of the health check response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Commit  string            `json:"commit"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// New creates a new server instance with the provided configuration and logger.
//
// The server is configured but not started. Returns an error if the
// configuration is invalid or the metric collectors cannot be registered.
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    logger.WithComponent("server"),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if err := metrics.Register(s.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
	return s, nil
}

// setupRouter builds the router and middleware chain.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger, s.quietPaths()...))

	r.Get("/health", s.handleHealth)
	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			Registry: s.registry,
		}))
	}
	for _, registrar := range s.registrars {
		registrar.RegisterRoutes(r)
	}
	return r
}

func (s *Server) quietPaths() []string {
	paths := []string{"/health"}
	if s.config.Metrics.Enabled {
		paths = append(paths, s.config.Metrics.Path)
	}
	return paths
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts every component, binds the listener and serves in the
// background. It does not block.
//
// If a component fails to start, the components already started are stopped
// before the error is returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	for _, c := range s.components {
		if err := c.component.Start(ctx); err != nil {
			_ = s.stopComponents(ctx)
			return fmt.Errorf("failed to start %s: %w", c.name, err)
		}
		s.started = append(s.started, c)
		s.logger.Info("Component started", "name", c.name)
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		_ = s.stopComponents(ctx)
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	s.serveErr = make(chan error, 1)

	s.logger.Info("Starting HTTP server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout,
		"idle_timeout", s.httpServer.IdleTimeout,
		"components", len(s.started),
	)

	go func() {
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server failed")
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown requested", "reason", context.Cause(ctx).Error())
	case serveErr = <-s.serveErr:
	}

	shutdownErr := s.Shutdown(context.Background())
	return errors.Join(serveErr, shutdownErr)
}

// Shutdown gracefully shuts down the server.
//
// The listener stops first so no new work arrives, then components stop in
// reverse start order so event workers drain what requests produced. The
// whole sequence is bounded by the configured write timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Initiating graceful shutdown")
	timeout := time.Duration(s.config.Server.WriteTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if s.listener != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("Error during graceful shutdown, forcing close")
			if closeErr := s.httpServer.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("close failed: %w", closeErr))
			}
			errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
		}
	}
	if err := s.stopComponents(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Server shutdown completed gracefully")
	return nil
}

// stopComponents stops started components in reverse order. The caller holds mu.
func (s *Server) stopComponents(ctx context.Context) error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		if err := c.component.Stop(ctx); err != nil {
			s.logger.WithError(err).Error("Error stopping component", "name", c.name)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.name, err))
			continue
		}
		s.logger.Info("Component stopped", "name", c.name)
	}
	s.started = nil
	return errors.Join(errs...)
}

// handleHealth handles GET /health.
//
// Every registered check runs with a short deadline. Any failing check turns
// the response into 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "healthy",
		Version: getVersionString(),
		Commit:  Commit,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	status := http.StatusOK

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		response.Checks = make(map[string]string, len(s.checks))
		for _, c := range s.checks {
			if err := c.check(ctx); err != nil {
				response.Checks[c.name] = err.Error()
				response.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			response.Checks[c.name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.WithError(err).Error("Failed to encode health response")
	}
}

// Addr returns the bound listener address once started, otherwise the
// configured address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// GetUptime returns the duration since the server was created.
func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// getVersionString returns the version string with appropriate fallback.
func getVersionString() string {
	if Version == "" || Version == "dev" {
		return "development"
	}
	return Version
}
