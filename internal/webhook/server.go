// Package webhook serves HMAC-signed trigger endpoints that queue cells
// without an API token. Each endpoint has its own secret; the signature is
// an HMAC-SHA256 over the raw body, sent as "sha256=<hex>".
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cellgate/internal/metrics"
	"github.com/mattjoyce/cellgate/internal/session"
)

// Server represents the webhook HTTP server.
type Server struct {
	config Config
	target Submitter
	logger *slog.Logger
	server *http.Server

	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, target Submitter, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		target:    target,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.reject(w, endpoint, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing", "path", endpoint.Path, "header", endpoint.SignatureHeader)
		s.reject(w, endpoint, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "path", endpoint.Path, "error", err)
		s.reject(w, endpoint, http.StatusForbidden, "forbidden")
		return
	}

	var req TriggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.reject(w, endpoint, http.StatusBadRequest, "invalid JSON body")
		return
	}

	queued, err := s.trigger(endpoint, req)
	if err != nil {
		if errors.Is(err, session.ErrReservedCode) || errors.Is(err, session.ErrEmptyBatch) {
			s.reject(w, endpoint, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to queue webhook cells", "path", endpoint.Path, "error", err)
		s.reject(w, endpoint, http.StatusInternalServerError, "failed to queue code")
		return
	}

	metrics.WebhookTriggers.WithLabelValues(endpoint.Path, "accepted").Inc()
	s.logger.Info("webhook cells queued", "path", endpoint.Path, "cells", queued)
	s.respondJSON(w, http.StatusAccepted, TriggerResponse{Queued: queued})
}

func (s *Server) trigger(endpoint *EndpointConfig, req TriggerRequest) (int, error) {
	if len(req.Cells) > 0 {
		return s.target.RunAll(req.Cells)
	}
	if strings.TrimSpace(req.Code) == "" {
		return 0, session.ErrEmptyBatch
	}
	if err := s.target.Submit(req.Code, endpoint.Hidden); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Server) reject(w http.ResponseWriter, endpoint *EndpointConfig, status int, message string) {
	metrics.WebhookTriggers.WithLabelValues(endpoint.Path, "rejected").Inc()
	s.respondError(w, status, message)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
