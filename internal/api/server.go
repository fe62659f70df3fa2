// Package api exposes the monitoring service over HTTP: health probes, the
// task rollup and per-task queries, consumer statistics, and optional
// Prometheus and runtime profiling endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/internal/api/aggregates"
	"github.com/ahrav/taskpulse/internal/api/health"
	"github.com/ahrav/taskpulse/internal/api/mid"
	"github.com/ahrav/taskpulse/internal/app/monitoring"
	domain "github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// Config holds the HTTP server settings.
type Config struct {
	Host            string
	Port            string
	Service         string
	Build           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Statsviz        bool
}

// Deps are the components the handlers read from.
type Deps struct {
	Health     health.Checker
	Aggregator domain.Aggregator
	Consumer   monitoring.ConsumerStatsProvider

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler
	Metrics        APIMetrics
	TracerProvider trace.TracerProvider
}

type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
}

// NewServer builds the router with every route bound.
func NewServer(cfg Config, deps Deps, log *logger.Logger) (*Server, error) {
	log = log.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if deps.TracerProvider != nil {
		r.Use(mid.Otel(deps.TracerProvider))
	}
	r.Use(mid.Logger(log, deps.Metrics))
	r.Use(middleware.Recoverer)

	health.Routes(r, health.Config{
		Service: cfg.Service,
		Build:   cfg.Build,
		Log:     log,
		Health:  deps.Health,
	})
	aggregates.Routes(r, aggregates.Config{
		Log:        log,
		Aggregator: deps.Aggregator,
		Consumer:   deps.Consumer,
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if cfg.Statsviz {
		if err := mountStatsviz(r); err != nil {
			return nil, fmt.Errorf("mount statsviz: %w", err)
		}
	}

	return &Server{cfg: cfg, logger: log, router: r}, nil
}

func mountStatsviz(r chi.Router) error {
	srv, err := statsviz.NewServer()
	if err != nil {
		return err
	}
	r.Get("/debug/statsviz/ws", srv.Ws())
	r.Get("/debug/statsviz", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/debug/statsviz/", http.StatusMovedPermanently)
	})
	r.Handle("/debug/statsviz/*", srv.Index())
	return nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        net.JoinHostPort(s.cfg.Host, s.cfg.Port),
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
		// WriteTimeout must exceed the readiness probe budget.
		WriteTimeout: s.cfg.WriteTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		return err
	}
	s.logger.Info(shutdownCtx, "server stopped")
	return nil
}
