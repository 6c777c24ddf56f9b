// Package notify turns the backend's raw notification stream into classified
// status events for the dispatcher.
package notify

import (
	"log/slog"

	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/metrics"
	"github.com/mattjoyce/cellgate/internal/protocol"
	"github.com/mattjoyce/cellgate/internal/queue"
)

// GenerationSource reports the dispatch generation that incoming events
// should be stamped with.
type GenerationSource interface {
	Generation() uint64
}

// Adapter classifies notifications and pushes them onto the status queue.
// Handle may be called from any goroutine; it never blocks and never calls
// back into the backend.
type Adapter struct {
	events *queue.Queue[kernel.StatusEvent]
	gen    GenerationSource
	logger *slog.Logger
}

// New returns an Adapter feeding events. gen may be nil, in which case every
// event is stamped with generation 0.
func New(events *queue.Queue[kernel.StatusEvent], gen GenerationSource) *Adapter {
	return &Adapter{
		events: events,
		gen:    gen,
		logger: log.WithComponent("notify"),
	}
}

// Handle classifies msg and enqueues at most one status event.
func (a *Adapter) Handle(msg protocol.Message) {
	status, ok := Classify(msg)
	if !ok {
		return
	}

	var gen uint64
	if a.gen != nil {
		gen = a.gen.Generation()
	}
	a.events.Push(kernel.StatusEvent{Status: status, Gen: gen})
	metrics.StatusEvents.WithLabelValues(status.String()).Inc()

	if status == kernel.StatusError {
		a.logger.Debug("backend reported error", "ename", msg.Content.Ename, "evalue", msg.Content.Evalue, "gen", gen)
	}
}

// HandleRaw is Handle for untyped key/value notifications.
func (a *Adapter) HandleRaw(raw map[string]any) {
	msg, ok := protocol.ParseMessage(raw)
	if !ok {
		return
	}
	a.Handle(msg)
}

// Classify maps a notification to a status. Kinds the dispatcher does not
// react to, and status messages with other execution states, are ignored.
func Classify(msg protocol.Message) (kernel.Status, bool) {
	switch msg.Kind() {
	case protocol.KindError:
		return kernel.StatusError, true
	case protocol.KindExecuteInput:
		return kernel.StatusInputEcho, true
	case protocol.KindStatus:
		switch msg.Content.ExecutionState {
		case protocol.StateIdle:
			return kernel.StatusIdle, true
		case protocol.StateBusy:
			return kernel.StatusBusy, true
		}
	}
	return kernel.StatusUnknown, false
}
