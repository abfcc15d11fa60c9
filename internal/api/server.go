// Package api serves read-only workflow status over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/codexflow/internal/auth"
	"github.com/mattjoyce/codexflow/internal/events"
	"github.com/mattjoyce/codexflow/internal/gate"
	"github.com/mattjoyce/codexflow/internal/journal"
	"github.com/mattjoyce/codexflow/internal/workflow"
)

// StatusSource exposes the live controller state. *workflow.Controller
// satisfies it.
type StatusSource interface {
	Snapshot() workflow.State
	Table() *workflow.Table
}

// RunReader loads journaled runs. *journal.Store satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*journal.Run, error)
}

// EventSource is the hub backing /events. *events.Hub satisfies it.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// OperatorKey carries every scope; workflow watch sends it.
	OperatorKey string
	Tokens      []auth.Token
	// KeepAlive is the SSE comment interval. Zero means 15s.
	KeepAlive time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	status    StatusSource
	gates     workflow.GateChecker
	runs      RunReader
	events    EventSource
	keyring   *auth.Keyring
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. runs may be nil when no journal is
// configured.
func New(config Config, status StatusSource, gates workflow.GateChecker, runs RunReader, hub EventSource, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		status:    status,
		gates:     gates,
		runs:      runs,
		events:    hub,
		keyring:   auth.NewKeyring(config.OperatorKey, config.Tokens),
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)
	if s.keyring.Empty() {
		s.logger.Warn("no API credentials configured; protected routes will return 401")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScope(auth.ScopeStatus)).Get("/status", s.handleStatus)
		r.With(s.requireScope(auth.ScopeStatus)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScope(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// checkGates evaluates every phase's exit gate against the working directory.
func (s *Server) checkGates() []PhaseStatus {
	if s.status == nil {
		return nil
	}
	state := s.status.Snapshot()
	phases := s.status.Table().Phases()
	out := make([]PhaseStatus, 0, len(phases))
	reached := true
	for _, p := range phases {
		ps := PhaseStatus{ID: p.ID, Roles: p.Roles, Current: p.ID == state.Phase}
		if s.gates != nil && len(p.Exit.Paths) > 0 {
			report := s.gates.Check(p.Exit)
			ps.Gate = &report
		}
		ps.Reached = reached
		if p.ID == state.Phase {
			reached = false
		}
		out = append(out, ps)
	}
	return out
}

var _ workflow.GateChecker = (*gate.Evaluator)(nil)
