// Package session assembles one execution session: the submission and status
// queues, the notification adapter, the dispatcher, the backend and the
// journal, with activity fanned out to the event hub and metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cellgate/internal/backend"
	"github.com/mattjoyce/cellgate/internal/config"
	"github.com/mattjoyce/cellgate/internal/dispatch"
	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/metrics"
	"github.com/mattjoyce/cellgate/internal/notify"
	"github.com/mattjoyce/cellgate/internal/queue"
)

const journalTimeout = 2 * time.Second

var _ dispatch.Observer = (*Session)(nil)

var (
	// ErrReservedCode is returned when submitted code is one of the reserved markers.
	ErrReservedCode = errors.New("code is a reserved marker")
	// ErrEmptyBatch is returned by RunAll when there are no cells to run.
	ErrEmptyBatch = errors.New("no cells to run")
)

// BackendFactory builds the backend that will report to h.
type BackendFactory func(h backend.Handler) (backend.Backend, error)

// Deps carries optional collaborators. Nil fields get defaults: no journal,
// a fresh hub sized from config, and the backend selected by config.
type Deps struct {
	Journal    *journal.Journal
	Hub        *events.Hub
	NewBackend BackendFactory
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	Backend      string    `json:"backend"`
	State        string    `json:"state"`
	Generation   uint64    `json:"generation"`
	InFlight     bool      `json:"in_flight"`
	Queued       int       `json:"queued"`
	PendingNotes int       `json:"pending_notifications"`
	Dispatched   uint64    `json:"dispatched"`
	Sentinels    uint64    `json:"sentinels"`
	Cancelled    uint64    `json:"cancelled"`
	StaleDropped uint64    `json:"stale_dropped"`
}

// Session is one front end driving one backend.
type Session struct {
	id          string
	startedAt   time.Time
	backendKind string

	submissions *queue.Queue[kernel.ExecutionRequest]
	statuses    *queue.Queue[kernel.StatusEvent]
	dispatcher  *dispatch.Dispatcher
	adapter     *notify.Adapter
	backend     backend.Backend
	journal     *journal.Journal
	hub         *events.Hub
	logger      *slog.Logger
}

// New wires a session from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, deps Deps) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		id:          id,
		startedAt:   time.Now().UTC(),
		backendKind: cfg.Backend.Kind,
		submissions: queue.New[kernel.ExecutionRequest](),
		statuses:    queue.New[kernel.StatusEvent](),
		journal:     deps.Journal,
		hub:         deps.Hub,
		logger:      log.WithSession(id).With("component", "session"),
	}
	if s.hub == nil {
		s.hub = events.NewHub(cfg.Events.Buffer)
	}

	var sink dispatch.Sink = dispatch.SinkFunc(s.forward)
	var journaled *journal.Sink
	if s.journal != nil {
		journaled = journal.NewSink(s.journal, sink, nil)
		sink = journaled
	}

	s.dispatcher = dispatch.New(s.submissions, s.statuses, sink, dispatch.Options{
		BusyPollInterval: cfg.Dispatcher.BusyPollInterval,
		StartIdle:        cfg.Dispatcher.StartIdle,
		Observer:         s,
	})
	if journaled != nil {
		journaled.SetGenerationSource(s.dispatcher)
	}
	s.adapter = notify.New(s.statuses, s.dispatcher)

	newBackend := deps.NewBackend
	if newBackend == nil {
		newBackend = func(h backend.Handler) (backend.Backend, error) {
			return backend.New(cfg.Backend, h)
		}
	}
	b, err := newBackend(s.adapter)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}
	s.backend = b
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Hub returns the event hub the session publishes to.
func (s *Session) Hub() *events.Hub { return s.hub }

// Run starts the backend and drives the dispatcher until ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (s *Session) Run(ctx context.Context) error {
	if err := s.backend.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	s.logger.Info("session started", "backend", s.backendKind)

	err := s.dispatcher.Run(ctx)

	if cerr := s.backend.Close(); cerr != nil {
		s.logger.Error("failed to close backend", "error", cerr)
	}
	s.logger.Info("session stopped")

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Submit queues one cell. Reserved markers are rejected.
func (s *Session) Submit(code string, hidden bool) error {
	req := kernel.ExecutionRequest{Code: code, Hidden: hidden}
	if req.IsMarker() {
		return ErrReservedCode
	}
	s.dispatcher.Submit(req)
	s.updateDepth()
	return nil
}

// RunAll queues cells as one contiguous batch bracketed by hidden begin and
// end markers. Blank cells are skipped. It returns how many cells were queued.
func (s *Session) RunAll(cells []string) (int, error) {
	batch := make([]kernel.ExecutionRequest, 0, len(cells)+2)
	batch = append(batch, kernel.ExecutionRequest{Code: kernel.BatchBegin, Hidden: true})
	for _, code := range cells {
		if strings.TrimSpace(code) == "" {
			continue
		}
		req := kernel.ExecutionRequest{Code: code}
		if req.IsMarker() {
			return 0, ErrReservedCode
		}
		batch = append(batch, req)
	}
	n := len(batch) - 1
	if n == 0 {
		return 0, ErrEmptyBatch
	}
	batch = append(batch, kernel.ExecutionRequest{Code: kernel.BatchEnd, Hidden: true})

	s.submissions.PushAll(batch...)
	s.updateDepth()
	s.logger.Info("batch queued", "cells", n)
	return n, nil
}

// Stop discards every queued cell and returns how many were discarded. The
// running cell is left alone.
func (s *Session) Stop() int {
	n := s.dispatcher.Stop()
	s.updateDepth()
	return n
}

// Snapshot reports the current state.
func (s *Session) Snapshot() Snapshot {
	st := s.dispatcher.Stats()
	return Snapshot{
		SessionID:    s.id,
		StartedAt:    s.startedAt,
		Backend:      s.backendKind,
		State:        st.State.String(),
		Generation:   st.Generation,
		InFlight:     st.InFlight,
		Queued:       s.submissions.Len(),
		PendingNotes: s.statuses.Len(),
		Dispatched:   st.Dispatched,
		Sentinels:    st.Sentinels,
		Cancelled:    st.Cancelled,
		StaleDropped: st.StaleDropped,
	}
}

// forward hands requests to the backend. The error sentinel is a front-end
// signal only and never reaches the kernel.
func (s *Session) forward(req kernel.ExecutionRequest) {
	if req.IsSentinel() {
		return
	}
	s.backend.Dispatch(req)
}

func (s *Session) updateDepth() {
	metrics.QueueDepth.WithLabelValues("submissions").Set(float64(s.submissions.Len()))
	metrics.QueueDepth.WithLabelValues("statuses").Set(float64(s.statuses.Len()))
}

func (s *Session) journalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), journalTimeout)
}
