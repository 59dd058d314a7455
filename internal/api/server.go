// Package api exposes the operational HTTP interface of the pipeline.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/metrics"
	"github.com/skyhive/skyhive/internal/pipeline"
	"github.com/skyhive/skyhive/internal/session"
	"github.com/skyhive/skyhive/internal/stage"
)

// SessionInfo is the read-only view of the session manager.
type SessionInfo interface {
	State() session.State
	LastValidatedAt() time.Time
}

// WorkerStats is the read-only view of one stage worker.
type WorkerStats interface {
	Stage() pipeline.Stage
	Counters() stage.Counters
}

// Server wires HTTP handlers to the frontier and the running workers.
type Server struct {
	router   chi.Router
	frontier pipeline.Frontier
	session  SessionInfo
	workers  []WorkerStats
	clock    pipeline.Clock
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. metricsHandler
// serves the Prometheus registry and httpMetrics records request series;
// either may be nil to disable.
func NewServer(
	frontier pipeline.Frontier,
	sess SessionInfo,
	workers []WorkerStats,
	metricsHandler http.Handler,
	httpMetrics *metrics.HTTP,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		frontier: frontier,
		session:  sess,
		workers:  workers,
		clock:    clock,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware)
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Post("/entities", s.seedEntities)
		r.Post("/leases/sweep", s.sweepLeases)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Readiness means the frontier answers; the session may still be
	// authenticating, which pauses claims but does not unready the process.
	if _, err := s.frontier.StatusCounts(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"session": string(s.session.State()),
	})
}

type statusResponse struct {
	Frontier        map[pipeline.Status]int          `json:"frontier"`
	Session         session.State                    `json:"session"`
	LastValidatedAt *time.Time                       `json:"last_validated_at,omitempty"`
	Workers         map[pipeline.Stage]stage.Counters `json:"workers"`
	Timestamp       time.Time                        `json:"timestamp"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.frontier.StatusCounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "frontier unavailable")
		return
	}
	resp := statusResponse{
		Frontier:  counts,
		Session:   s.session.State(),
		Workers:   make(map[pipeline.Stage]stage.Counters, len(s.workers)),
		Timestamp: s.clock.Now(),
	}
	if t := s.session.LastValidatedAt(); !t.IsZero() {
		resp.LastValidatedAt = &t
	}
	for _, worker := range s.workers {
		resp.Workers[worker.Stage()] = worker.Counters()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type seedRequest struct {
	Entities []struct {
		ID     string `json:"id"`
		Handle string `json:"handle"`
	} `json:"entities"`
}

func (s *Server) seedEntities(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Entities) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one entity required")
		return
	}
	inserted := 0
	for _, e := range req.Entities {
		if e.ID == "" {
			s.writeError(w, http.StatusBadRequest, "entity id required")
			return
		}
		ok, err := s.frontier.AddIfAbsent(r.Context(), e.ID, e.Handle)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ok {
			inserted++
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{
		"submitted": len(req.Entities),
		"inserted":  inserted,
	})
}

func (s *Server) sweepLeases(w http.ResponseWriter, r *http.Request) {
	released, err := s.frontier.ReleaseExpiredLeases(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
