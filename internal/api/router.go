// Package api exposes the scheduling service over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinicflow/clinicflow/internal/config"
)

type RouterConfig struct {
	Service   AppointmentService
	Health    HealthConfig
	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig
	Logger    *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(RequestLogging(cfg.Logger))
	r.Use(CORS(cfg.CORS))

	health := NewHealthHandler(cfg.Health)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &appointmentHandler{svc: cfg.Service, logger: cfg.Logger}
	r.Route("/appointments", func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			r.Use(NewRateLimiter(cfg.RateLimit.PermitLimit, cfg.RateLimit.WindowSeconds).Middleware)
		}
		r.Post("/", h.schedule)
		r.Get("/{id}", h.get)
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/status", h.changeStatus)
		r.Post("/{id}/reschedule", h.reschedule)
	})

	return r
}
