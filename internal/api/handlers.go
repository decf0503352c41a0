package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/monitor"
	"github.com/tripwire/dirwatch/internal/store"
)

// HealthSource is the subset of *monitor.Monitor used by the handlers.
type HealthSource interface {
	Health() monitor.HealthStatus
	HealthzHandler(w http.ResponseWriter, r *http.Request)
}

// Server holds the dependencies needed by the HTTP handlers.
type Server struct {
	health  HealthSource
	store   store.Querier
	metrics http.Handler
	stream  http.Handler
	logger  *slog.Logger
}

// ServerOption configures optional routes.
type ServerOption func(*Server)

// WithStream mounts h at /api/v1/stream.
func WithStream(h http.Handler) ServerOption {
	return func(s *Server) { s.stream = h }
}

// NewServer creates a Server. q and metrics may be nil; the matching routes
// then report 404 or are not mounted.
func NewServer(health HealthSource, q store.Querier, metrics http.Handler, logger *slog.Logger,
	opts ...ServerOption) *Server {
	s := &Server{health: health, store: q, metrics: metrics, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// handleGetTargets responds to GET /api/v1/targets with the status of every
// configured target.
func (s *Server) handleGetTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.health.Health().Targets)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	target – exact target name (optional)
//	kind   – one of created, deleted, modified (optional)
//	name   – exact entry name (optional)
//	since  – RFC3339 lower bound on the event timestamp (optional)
//	limit  – maximum number of results (default 100, max 1000)
//
// Events are returned newest first.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusNotFound, "event store is not configured")
		return
	}
	q := r.URL.Query()

	eq := store.EventQuery{Target: q.Get("target"), Name: q.Get("name")}
	if kind := q.Get("kind"); kind != "" {
		k, err := event.ParseKind(kind)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'kind' must be one of created, deleted, modified")
			return
		}
		eq.Kind = k.String()
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		eq.Since = t
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	eq.Limit = limit

	rows, err := s.store.QueryEvents(r.Context(), eq)
	if err != nil {
		s.logger.Error("api: query events", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if rows == nil {
		rows = []store.EventRow{}
	}
	writeJSON(w, rows)
}

// handleGetCycles responds to GET /api/v1/cycles?target=&limit=, newest
// first. Cycles that observed no changes are included with event_count 0.
func (s *Server) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusNotFound, "event store is not configured")
		return
	}
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	rows, err := s.store.QueryCycles(r.Context(), q.Get("target"), limit)
	if err != nil {
		s.logger.Error("api: query cycles", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query cycles")
		return
	}
	if rows == nil {
		rows = []store.CycleRow{}
	}
	writeJSON(w, rows)
}

// parseLimit reads an optional positive limit, capping it at
// store.MaxQueryLimit. It writes a 400 and reports false when raw is invalid.
func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	return min(limit, store.MaxQueryLimit), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
