// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/metrics"
	"github.com/JakeFAU/store-email-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/store-email-crawler/internal/scheduler"
)

// Scheduler is the control surface of the admission loop.
type Scheduler interface {
	Start(ctx context.Context, opts scheduler.Options) error
	Stop(ctx context.Context) error
	Status() crawler.SchedulerStatus
}

// HostInspector reports per-host rate state.
type HostInspector interface {
	Snapshot(host string) (ratelimit.Snapshot, bool)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	// RequestTimeout bounds every handler (60s).
	RequestTimeout time.Duration
	// StopTimeout bounds the background drain started by POST /v1/scheduler/stop (2m).
	StopTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router    chi.Router
	scheduler Scheduler
	hosts     HostInspector
	ready     Pinger
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. items and ready
// may be nil.
func NewServer(
	sched Scheduler,
	hosts HostInspector,
	items ItemReader,
	ready Pinger,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Minute
	}
	s := &Server{
		scheduler: sched,
		hosts:     hosts,
		ready:     ready,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	itemHandler := NewItemHandler(items, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.status)
			r.Post("/start", s.start)
			r.Post("/stop", s.stop)
		})
		r.Get("/hosts/{host}", s.host)
		r.Get("/items/{item_id}", itemHandler.Get)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "job store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var opts scheduler.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if opts.Capacity < 0 {
		writeError(w, http.StatusBadRequest, "capacity must be positive")
		return
	}
	// The scheduler outlives this request.
	if err := s.scheduler.Start(context.WithoutCancel(r.Context()), opts); err != nil {
		if errors.Is(err, scheduler.ErrRunning) || errors.Is(err, scheduler.ErrDraining) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start scheduler failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start scheduler")
		return
	}
	writeJSON(w, http.StatusAccepted, s.scheduler.Status())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.StopTimeout)
	go func() {
		defer cancel()
		if err := s.scheduler.Stop(ctx); err != nil {
			s.logger.Warn("scheduler drain incomplete", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

func (s *Server) host(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if s.hosts == nil {
		writeError(w, http.StatusServiceUnavailable, "rate controller unavailable")
		return
	}
	snap, ok := s.hosts.Snapshot(host)
	if !ok {
		writeError(w, http.StatusNotFound, "host not tracked")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
