package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"mercator-hq/ipquota/internal/generator"
	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/config"
	"mercator-hq/ipquota/pkg/limits"
	"mercator-hq/ipquota/pkg/server/middleware"
	"mercator-hq/ipquota/pkg/telemetry/health"
	"mercator-hq/ipquota/pkg/telemetry/metrics"
	"mercator-hq/ipquota/pkg/telemetry/tracing"
)

// Deps are the components a Server serves. Usage, Resolver and Generator are
// required; the rest are optional.
type Deps struct {
	Usage     *limits.Service
	Resolver  *clientip.Resolver
	Generator generator.Generator

	Collector *metrics.Collector
	Checker   *health.Checker
	Tracer    *tracing.Tracer
	Logger    *slog.Logger
	Version   health.VersionInfo
}

// Server is the HTTP server in front of the quota-gated generator.
type Server struct {
	config    *config.Config
	usage     *limits.Service
	resolver  *clientip.Resolver
	generator generator.Generator
	collector *metrics.Collector
	checker   *health.Checker
	tracer    *tracing.Tracer
	logger    *slog.Logger
	version   health.VersionInfo
	now       func() time.Time

	handler      http.Handler
	httpServer   *http.Server
	listener     net.Listener
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a server. It returns an error when a required
// dependency is missing.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Usage == nil {
		return nil, errors.New("usage service is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("client IP resolver is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("generator is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:       cfg,
		usage:        deps.Usage,
		resolver:     deps.Resolver,
		generator:    deps.Generator,
		collector:    deps.Collector,
		checker:      deps.Checker,
		tracer:       deps.Tracer,
		logger:       logger.With("component", "server"),
		version:      deps.Version,
		now:          time.Now,
		shutdownChan: make(chan struct{}),
	}
	s.handler = s.setupRoutes()
	return s, nil
}

// Start listens on the configured address and serves until ctx is done,
// Stop is called, or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Server.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.ListenAddress, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	case <-s.shutdownChan:
		s.logger.Info("shutdown requested")
		return s.Shutdown(context.Background())
	}
}

// Stop asks a running Start to shut down.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("server stopped")
	})

	return shutdownErr
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// setupRoutes configures HTTP routes and the middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/v1/usage", s.handleUsage)

	if s.checker != nil {
		health.Register(mux, s.checker, s.config.Telemetry.Health, s.version)
	}
	if s.collector != nil && s.collector.Enabled() {
		mux.Handle(s.collector.Path(), s.collector.Handler())
	}

	mws := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(s.logger),
		middleware.RequestIDMiddleware,
		middleware.ClientIPMiddleware(s.resolver),
		middleware.LoggingMiddleware(s.logger),
	}
	if s.collector != nil {
		mws = append(mws, middleware.MetricsMiddleware(s.collector))
	}
	if s.tracer != nil {
		mws = append(mws, s.tracer.Middleware)
	}
	mws = append(mws, middleware.TimeoutMiddleware(s.config.Server.WriteTimeout))

	return middleware.Chain(mux, mws...)
}
