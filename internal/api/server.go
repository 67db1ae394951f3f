// Package api exposes the HTTP interface for the scrape service.
//
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks and friends for task submission and inspection.
//   - GET /v1/metrics, /v1/alerts, /v1/cache/stats for operator visibility.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/alerts"
	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/metrics"
	"github.com/seoscope/seoscope/internal/scheduler"
	"github.com/seoscope/seoscope/internal/scrape"
)

// Server wires HTTP handlers to the scheduler and observability surfaces.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	registry  *metrics.Registry
	evaluator *alerts.Evaluator
	cache     *cache.Cache
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched *scheduler.Scheduler,
	registry *metrics.Registry,
	evaluator *alerts.Evaluator,
	resultCache *cache.Cache,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		registry:  registry,
		evaluator: evaluator,
		cache:     resultCache,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
		r.Get("/metrics", s.metricsSnapshot)
		r.Get("/alerts", s.listAlerts)
		r.Get("/cache/stats", s.cacheStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scheduleRequest struct {
	Kind         string     `json:"kind"`
	At           *time.Time `json:"at,omitempty"`
	EverySeconds int        `json:"every_seconds,omitempty"`
	Daily        string     `json:"daily,omitempty"`
	Cron         string     `json:"cron,omitempty"`
}

type submitTaskRequest struct {
	Kind        string            `json:"kind"`
	URLs        []string          `json:"urls,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Schedule    scheduleRequest   `json:"schedule"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec := scrape.TaskSpec{
		Kind: scrape.TaskKind(req.Kind),
		Payload: scrape.TaskPayload{
			URLs:     req.URLs,
			Keywords: req.Keywords,
			Domain:   req.Domain,
			Tags:     req.Tags,
		},
		Schedule:    toSchedule(req.Schedule),
		MaxAttempts: req.MaxAttempts,
	}
	task, err := s.scheduler.Submit(r.Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, scrape.ErrCapacityExceeded):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, scrape.ErrInvalidSchedule):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.scheduler.List()})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Get(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Cancel(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeError(w, http.StatusBadRequest, "window_seconds must be a positive integer")
			return
		}
		window = time.Duration(seconds) * time.Second
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": s.registry.Snapshot(window)})
}

func (s *Server) listAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.evaluator.ActiveAlerts(),
		"history": s.evaluator.History(),
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func toSchedule(req scheduleRequest) scrape.Schedule {
	sched := scrape.Schedule{
		Kind:  scrape.ScheduleKind(req.Kind),
		Daily: req.Daily,
		Cron:  req.Cron,
	}
	if req.At != nil {
		sched.At = *req.At
	}
	if req.EverySeconds > 0 {
		sched.Every = time.Duration(req.EverySeconds) * time.Second
	}
	return sched
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
