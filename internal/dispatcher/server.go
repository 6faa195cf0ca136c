// Package dispatcher is the Job Dispatch Server: webhook ingress, job
// status/listing API, SSE log fan-out, health, and metrics.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/raibid-ci/raibid/internal/dispatcher/metrics"
	"github.com/raibid-ci/raibid/internal/redisqueue"
	"github.com/raibid-ci/raibid/internal/webhook"
)

// Config configures one dispatcher Server.
type Config struct {
	Host        string
	Port        int
	MetricsPort int
}

// Deps carries every dependency the HTTP handlers need. It is built in
// cmd/serve.go once the Redis client, providers, and secrets are resolved.
type Deps struct {
	Store     *redisqueue.StatusStore
	Queue     *redisqueue.Queue
	Providers map[string]webhook.Provider
	Secrets   map[string][]byte
	Logger    *zap.Logger
}

// Server owns the dispatcher's two listeners: the main API and a separate
// Prometheus metrics endpoint, keeping scrape traffic off the user-facing
// port.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	router        http.Handler
	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer builds a Server, wiring the chi router and its handlers.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	wh := &webhookHandler{deps: s.deps}
	jh := &jobsHandler{deps: s.deps}
	hh := &healthHandler{deps: s.deps}

	r.Post("/webhooks/{provider}", wh.Accept)
	r.Get("/jobs", jh.List)
	r.Get("/jobs/{id}", jh.Get)
	r.Get("/jobs/{id}/logs", jh.Logs)
	r.Get("/health", hh.Health)
	r.Get("/health/ready", hh.Ready)
	r.Get("/health/live", hh.Live)

	return r
}

// Start runs both listeners until ctx is cancelled, then shuts them down
// within a bounded grace window.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the log-streaming handler holds the connection open
	}
	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort),
		Handler:      metrics.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("dispatcher listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", s.metricsServer.Addr))
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpErr := s.httpServer.Shutdown(shutdownCtx)
		metricsErr := s.metricsServer.Shutdown(shutdownCtx)
		if httpErr != nil {
			return httpErr
		}
		return metricsErr
	case err := <-errCh:
		return err
	}
}
