// Package server provides the HTTP server for goingest.
//
// The server owns one Runner. On start it resumes runs a previous process
// left unfinished, starts the schedule trigger and serves the API.
//
// # Endpoints
//
//   - GET /health - Liveness, version, active runs and next scheduled run
//   - GET /config - Current configuration as YAML, secrets redacted
//   - GET /api/runs - Every known run, most recent first
//   - POST /api/runs - Triggers a manual run; body {"logical_time": RFC3339} is optional
//   - GET /api/runs/{id} - Snapshot of one run
//   - GET /api/runs/{id}/logs - Captured task logs of a run
//   - POST /api/runs/{id}/cancel - Cancels a live run
//   - GET /metrics - Prometheus metrics
//
// # Example
//
//	srv, err := server.New(cfg, r, logger, server.WithTrigger(t))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/runner"
	"github.com/nomis52/goingest/server/handlers"
	"github.com/nomis52/goingest/trigger"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Server is the HTTP server for the goingest API.
type Server struct {
	cfg            config.Config
	logger         *slog.Logger
	runner         *runner.Runner
	trigger        *trigger.Trigger
	metricsHandler http.Handler
	certLoader     *CertLoader
	httpServer     *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithTrigger starts t when the server runs.
func WithTrigger(t *trigger.Trigger) Option {
	return func(s *Server) error {
		s.trigger = t
		return nil
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) error {
		s.metricsHandler = h
		return nil
	}
}

// New creates a Server. TLS is enabled when the config names a cert and key.
func New(cfg config.Config, r *runner.Runner, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "server"),
		runner: r,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if cfg.Server.CertFile != "" {
		loader, err := NewCertLoader(cfg.Server.CertFile, cfg.Server.KeyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("loading tls certificate: %w", err)
		}
		s.certLoader = loader
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	if s.certLoader != nil {
		s.httpServer.TLSConfig = s.certLoader.TLSConfig()
	}
	return s, nil
}

// Config returns the configuration the server was started with.
func (s *Server) Config() config.Config {
	return s.cfg
}

// ActiveRuns returns the number of live runs.
func (s *Server) ActiveRuns() int {
	return s.runner.ActiveRuns()
}

// NextRun returns the next scheduled run time, or nil without a schedule.
func (s *Server) NextRun() *time.Time {
	if s.trigger == nil {
		return nil
	}
	next := s.trigger.NextRun()
	if next.IsZero() {
		return nil
	}
	return &next
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	runsHandler := handlers.NewRunsHandler(s.runner, s.runner)
	mux.Handle("GET /health", handlers.NewHealthHandler(s))
	mux.Handle("GET /config", handlers.NewConfigHandler(s))
	mux.Handle("GET /api/runs", runsHandler)
	mux.Handle("POST /api/runs", runsHandler)
	mux.Handle("GET /api/runs/{id}", handlers.NewRunHandler(s.runner))
	mux.Handle("GET /api/runs/{id}/logs", handlers.NewRunLogsHandler(s.runner))
	mux.Handle("POST /api/runs/{id}/cancel", handlers.NewCancelHandler(s.runner))
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

// Run resumes unfinished runs, starts the trigger and serves HTTP until ctx is
// cancelled. Runs still executing at shutdown stay unfinished in the store and
// are resumed by the next start.
func (s *Server) Run(ctx context.Context) error {
	resumed, err := s.runner.Resume()
	if err != nil {
		s.logger.Warn("some runs could not be resumed", "error", err)
	}
	if len(resumed) > 0 {
		s.logger.Info("resumed runs", "run_ids", resumed)
	}

	if s.trigger != nil {
		s.logger.Info("starting schedule trigger", "next_run", s.trigger.NextRun())
		s.trigger.Start(ctx)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", ln.Addr().String(), "tls", s.certLoader != nil)
		var err error
		if s.certLoader != nil {
			err = s.httpServer.ServeTLS(ln, "", "")
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
