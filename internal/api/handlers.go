package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/session"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		State:         snap.State,
		QueueDepth:    snap.Queued,
		InFlight:      snap.InFlight,
		EventsDropped: s.events.Dropped(),
	})
}

// handleSubmit handles POST /submit
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if err := s.ctrl.Submit(req.Code, req.Hidden); err != nil {
		s.writeSubmitError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		Status: "queued",
		Queued: s.ctrl.Snapshot().Queued,
	})
}

// handleRunAll handles POST /run-all
func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	var req RunAllRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	n, err := s.ctrl.RunAll(req.Cells)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, RunAllResponse{
		Status: "queued",
		Cells:  n,
		Queued: s.ctrl.Snapshot().Queued,
	})
}

// handleStop handles POST /stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	dropped := s.ctrl.Stop()
	s.logger.Info("backlog stopped via API", "dropped", dropped)
	respondJSON(w, http.StatusOK, StopResponse{Status: "stopped", Dropped: dropped})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse(s.ctrl.Snapshot()))
}

// handleHistory handles GET /history?limit=N
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	dispatches, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if dispatches == nil {
		dispatches = []journal.Dispatch{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Dispatches: dispatches})
}

// handleGetHistory handles GET /history/{id}
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}

	d, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read dispatch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read dispatch")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrReservedCode), errors.Is(err, session.ErrEmptyBatch):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to queue code", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue code")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
