// Package server exposes the daemon's operational HTTP surface: health,
// metrics and the worker pause switch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/agentqueue/pkg/core"
	"github.com/jdziat/agentqueue/pkg/pause"
)

// PauseController is the pause switch as the server needs it.
// *pause.Controller implements it.
type PauseController interface {
	Snapshot(ctx context.Context) (*pause.Snapshot, error)
	Pause(ctx context.Context, req pause.PauseRequest) (*pause.Snapshot, error)
	Resume(ctx context.Context, req pause.ResumeRequest) (*pause.Snapshot, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server routes ops requests.
type Server struct {
	pause      PauseController
	metrics    http.Handler
	checks     map[string]HealthCheck
	middleware []func(http.Handler) http.Handler
	logger     *slog.Logger
}

// Option configures a Server.
type Option interface {
	apply(*Server)
}

type optionFunc func(*Server)

func (f optionFunc) apply(s *Server) { f(s) }

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return optionFunc(func(s *Server) { s.metrics = h })
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return optionFunc(func(s *Server) { s.checks[name] = check })
}

// WithMiddleware wraps the pause-changing routes, e.g. with authentication.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(s *Server) { s.middleware = append(s.middleware, mw) })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Server) { s.logger = l })
}

// New creates a Server.
func New(pauser PauseController, opts ...Option) *Server {
	s := &Server{
		pause:  pauser,
		checks: make(map[string]HealthCheck),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Mount("/metrics", s.metrics)
	}

	r.Route("/system/worker-pause", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Group(func(r chi.Router) {
			r.Use(s.middleware...)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})
	})
	return r
}

// Run serves Router on addr until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pause.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type pauseRequest struct {
	Mode            core.PauseMode `json:"mode"`
	Reason          string         `json:"reason"`
	Actor           *string        `json:"actor"`
	ExpectedVersion int64          `json:"expectedVersion"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	snap, err := s.pause.Pause(r.Context(), pause.PauseRequest{
		Mode:            req.Mode,
		Reason:          req.Reason,
		Actor:           actor(r, req.Actor),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type resumeRequest struct {
	Reason          string  `json:"reason"`
	Actor           *string `json:"actor"`
	Force           bool    `json:"force"`
	ExpectedVersion int64   `json:"expectedVersion"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	snap, err := s.pause.Resume(r.Context(), pause.ResumeRequest{
		Reason:          req.Reason,
		Actor:           actor(r, req.Actor),
		Force:           req.Force,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// actor prefers the verified operator over the name claimed in the body.
func actor(r *http.Request, claimed *string) *string {
	if name, ok := ActorFrom(r.Context()); ok {
		return &name
	}
	return claimed
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps error kinds to HTTP statuses. Precondition failures are
// checked before the conflicts they wrap.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("ops request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
