// Package health serves the service info, liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/taskpulse/internal/app/monitoring"
	"github.com/ahrav/taskpulse/internal/api/web"
	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// Checker answers liveness and readiness questions.
type Checker interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) monitoring.ReadinessReport
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Service string
	Build   string
	Log     *logger.Logger
	Health  Checker
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/", info(cfg))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/liveness", liveness(cfg))
		r.Get("/readiness", readiness(cfg))
	})
}

// infoResponse describes the running service.
type infoResponse struct {
	Service string `json:"service"`
	Build   string `json:"build"`
	Status  string `json:"status"`
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string            `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func info(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if err := cfg.Health.Liveness(r.Context()); err != nil {
			status = "unresponsive"
		}
		respond(r.Context(), cfg.Log, w, http.StatusOK, infoResponse{
			Service: cfg.Service,
			Build:   cfg.Build,
			Status:  status,
		})
	}
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Health.Liveness(r.Context()); err != nil {
			cfg.Log.Warn(r.Context(), "Liveness check failed", "error", err)
			respond(r.Context(), cfg.Log, w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
		respond(r.Context(), cfg.Log, w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := cfg.Health.Readiness(r.Context())
		if !report.Ready {
			cfg.Log.Warn(r.Context(), "Readiness check failed", "reason", report.Reason)
			respond(r.Context(), cfg.Log, w, http.StatusServiceUnavailable, readyResponse{
				Status: "not_ready",
				Reason: report.Reason,
				Checks: report.Checks,
			})
			return
		}
		respond(r.Context(), cfg.Log, w, http.StatusOK, readyResponse{Status: "ready", Checks: report.Checks})
	}
}

func respond(ctx context.Context, log *logger.Logger, w http.ResponseWriter, status int, v any) {
	if err := web.Respond(w, status, web.JSON{V: v}); err != nil {
		log.Error(ctx, "Failed to write response", "error", err)
	}
}
