package session

import (
	"github.com/mattjoyce/cellgate/internal/dispatch"
	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/metrics"
)

// DispatchEvent is the payload of the dispatch topic.
type DispatchEvent struct {
	Code         string       `json:"code"`
	Hidden       bool         `json:"hidden"`
	Kind         journal.Kind `json:"kind"`
	Generation   uint64       `json:"generation"`
	StaleDropped int          `json:"stale_dropped"`
}

// StatusEvent is the payload of the status topic.
type StatusEvent struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
}

// CancelEvent is the payload of the cancel topic.
type CancelEvent struct {
	Reason  string `json:"reason"`
	Dropped int    `json:"dropped"`
}

// StateEvent is the payload of the state topic.
type StateEvent struct {
	State string `json:"state"`
}

func (s *Session) StatusConsumed(ev kernel.StatusEvent) {
	s.hub.Publish(events.TopicStatus, StatusEvent{Status: ev.Status.String(), Generation: ev.Gen})
	s.updateDepth()

	if s.journal == nil {
		return
	}
	ctx, cancel := s.journalCtx()
	defer cancel()
	if err := s.journal.RecordStatus(ctx, ev); err != nil {
		s.logger.Error("failed to journal status", "error", err)
	}
}

func (s *Session) Dispatched(req kernel.ExecutionRequest, gen uint64, staleDropped int) {
	kind := journal.KindOf(req)
	metrics.Dispatches.WithLabelValues(string(kind)).Inc()
	if staleDropped > 0 {
		metrics.StaleEvents.Add(float64(staleDropped))
	}
	s.updateDepth()

	s.hub.Publish(events.TopicDispatch, DispatchEvent{
		Code:         req.Code,
		Hidden:       req.Hidden,
		Kind:         kind,
		Generation:   gen,
		StaleDropped: staleDropped,
	})
}

func (s *Session) Cancelled(reason dispatch.CancelReason, dropped int) {
	metrics.CancelledRequests.WithLabelValues(string(reason)).Add(float64(dropped))
	s.hub.Publish(events.TopicCancel, CancelEvent{Reason: string(reason), Dropped: dropped})

	if s.journal == nil {
		return
	}
	ctx, cancel := s.journalCtx()
	defer cancel()
	if _, err := s.journal.RecordCancel(ctx, string(reason), dropped); err != nil {
		s.logger.Error("failed to journal cancel", "error", err)
	}
}

func (s *Session) StateChanged(st dispatch.State) {
	s.hub.Publish(events.TopicState, StateEvent{State: st.String()})
}
