package api

//go:generate mockgen -destination=mocks/mock_controller.go -package=mocks github.com/mattjoyce/cellgate/internal/api Controller,History

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cellgate/internal/auth"
	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/metrics"
	"github.com/mattjoyce/cellgate/internal/session"
)

// Controller is the session surface the API drives.
type Controller interface {
	Submit(code string, hidden bool) error
	RunAll(cells []string) (int, error)
	Stop() int
	Snapshot() session.Snapshot
}

// History reads the dispatch journal.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Dispatch, error)
	Get(ctx context.Context, id string) (*journal.Dispatch, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey has every scope; Tokens carry their own.
	APIKey string
	Tokens []auth.TokenConfig
	// RequestsPerSecond and Burst limit the submit routes per client.
	RequestsPerSecond float64
	Burst             int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	ctrl      Controller
	history   History
	events    *events.Hub
	limiter   *RateLimiter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history may be nil, in which case
// the history routes answer 503.
func New(config Config, ctrl Controller, history History, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		ctrl:      ctrl,
		history:   history,
		events:    hub,
		limiter:   NewRateLimiter(config.RequestsPerSecond, config.Burst),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeExecute))
			r.Group(func(r chi.Router) {
				r.Use(RateLimitMiddleware(s.limiter))
				r.Post("/submit", s.handleSubmit)
				r.Post("/run-all", s.handleRunAll)
			})
			r.Post("/stop", s.handleStop)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeRead))
			r.Get("/status", s.handleStatus)
			r.Get("/history", s.handleHistory)
			r.Get("/history/{id}", s.handleGetHistory)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
