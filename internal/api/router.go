package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the dirwatch HTTP surface.
//
// Route layout:
//
//	GET /healthz            – per-target health, 503 while degraded
//	GET /metrics            – Prometheus exposition (when metrics are enabled)
//	GET /api/v1/targets     – per-target status
//	GET /api/v1/events      – recorded change events (event store required)
//	GET /api/v1/cycles      – recorded poll cycles (event store required)
//	GET /api/v1/stream      – live cycles over WebSocket (when enabled)
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(srv.logger))

	r.Get("/healthz", srv.health.HealthzHandler)
	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/targets", srv.handleGetTargets)
		r.Get("/events", srv.handleGetEvents)
		r.Get("/cycles", srv.handleGetCycles)
		if srv.stream != nil {
			r.Method(http.MethodGet, "/stream", srv.stream)
		}
	})

	return r
}
