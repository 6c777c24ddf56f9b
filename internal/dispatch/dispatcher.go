package dispatch

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/mattjoyce/cellgate/internal/dispatch Sink

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/queue"
)

// DefaultBusyPollInterval is the pause taken after a busy event.
const DefaultBusyPollInterval = 50 * time.Millisecond

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// State is the dispatcher's position in its state machine.
type State int32

const (
	StateAwaitingStatus State = iota
	StateDispatching
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateAwaitingStatus:
		return "awaiting_status"
	case StateDispatching:
		return "dispatching"
	case StateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// CancelReason says why the submission backlog was discarded.
type CancelReason string

const (
	CancelBackendError CancelReason = "backend_error"
	CancelUserStop     CancelReason = "user_stop"
)

// Sink receives dispatched requests. Dispatch is fire-and-forget: completion
// is only learned from later status events.
type Sink interface {
	Dispatch(req kernel.ExecutionRequest)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(req kernel.ExecutionRequest)

// Dispatch calls f(req).
func (f SinkFunc) Dispatch(req kernel.ExecutionRequest) { f(req) }

// Observer is told about dispatcher activity. StatusConsumed, Dispatched and
// StateChanged run on the dispatcher goroutine; Cancelled runs on whichever
// goroutine triggered the cancellation. Implementations must return quickly.
type Observer interface {
	StatusConsumed(ev kernel.StatusEvent)
	Dispatched(req kernel.ExecutionRequest, gen uint64, staleDropped int)
	Cancelled(reason CancelReason, dropped int)
	StateChanged(s State)
}

// Options tunes the dispatcher.
type Options struct {
	// BusyPollInterval is the pause after a busy event. Zero means the default.
	BusyPollInterval time.Duration
	// StartIdle treats the kernel as idle when Run starts, so the first
	// submission goes out without waiting for a notification.
	StartIdle bool
	// Observer is optional.
	Observer Observer
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	State        State
	Generation   uint64
	InFlight     bool
	Dispatched   uint64
	Sentinels    uint64
	Cancelled    uint64
	StaleDropped uint64
}

// Dispatcher is the execution sequencer.
type Dispatcher struct {
	submissions *queue.Queue[kernel.ExecutionRequest]
	statuses    *queue.Queue[kernel.StatusEvent]
	sink        Sink
	opts        Options
	logger      *slog.Logger

	running  atomic.Bool
	state    atomic.Int32
	gen      atomic.Uint64
	inFlight atomic.Bool

	dispatched   atomic.Uint64
	sentinels    atomic.Uint64
	cancelled    atomic.Uint64
	staleDropped atomic.Uint64
}

// New creates a Dispatcher reading from the given queues and sending to sink.
func New(submissions *queue.Queue[kernel.ExecutionRequest], statuses *queue.Queue[kernel.StatusEvent], sink Sink, opts Options) *Dispatcher {
	if opts.BusyPollInterval <= 0 {
		opts.BusyPollInterval = DefaultBusyPollInterval
	}
	return &Dispatcher{
		submissions: submissions,
		statuses:    statuses,
		sink:        sink,
		opts:        opts,
		logger:      log.WithComponent("dispatch"),
	}
}

// Run executes the state machine until ctx is cancelled. It is a blocking call.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	d.logger.Info("dispatch loop started", "busy_poll_interval", d.opts.BusyPollInterval, "start_idle", d.opts.StartIdle)
	defer d.logger.Info("dispatch loop stopped")

	if d.opts.StartIdle {
		d.statuses.Push(kernel.StatusEvent{Status: kernel.StatusIdle, Gen: d.Generation()})
	}

	for {
		ev, err := d.statuses.Pop(ctx)
		if err != nil {
			return err
		}

		if ev.Gen < d.gen.Load() {
			d.staleDropped.Add(1)
			d.logger.Debug("dropped stale status event", "status", ev.Status.String(), "gen", ev.Gen)
			continue
		}
		if d.opts.Observer != nil {
			d.opts.Observer.StatusConsumed(ev)
		}

		switch ev.Status {
		case kernel.StatusIdle:
			d.inFlight.Store(false)
			if err := d.dispatchNext(ctx); err != nil {
				return err
			}
		case kernel.StatusError:
			d.inFlight.Store(false)
			d.cancelOnError()
		case kernel.StatusBusy:
			if err := d.pollBusy(ctx); err != nil {
				return err
			}
		default:
			// Input echoes carry no completion information.
		}
	}
}

// Submit queues req for execution. It never blocks.
func (d *Dispatcher) Submit(req kernel.ExecutionRequest) {
	d.submissions.Push(req)
}

// Stop discards every queued submission without emitting the sentinel and
// returns how many were discarded. The in-flight request is not affected.
func (d *Dispatcher) Stop() int {
	dropped := d.submissions.Drain()
	d.cancelled.Add(uint64(dropped))
	d.logger.Info("backlog cancelled", "reason", CancelUserStop, "dropped", dropped)
	if d.opts.Observer != nil {
		d.opts.Observer.Cancelled(CancelUserStop, dropped)
	}
	return dropped
}

// Generation returns the current dispatch generation. It advances once per
// dispatched request.
func (d *Dispatcher) Generation() uint64 {
	return d.gen.Load()
}

// State returns the current state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		State:        d.State(),
		Generation:   d.gen.Load(),
		InFlight:     d.inFlight.Load(),
		Dispatched:   d.dispatched.Load(),
		Sentinels:    d.sentinels.Load(),
		Cancelled:    d.cancelled.Load(),
		StaleDropped: d.staleDropped.Load(),
	}
}

// dispatchNext waits for work, drains stale status events and sends the
// request. The state stays AwaitingStatus while the submission queue is empty.
func (d *Dispatcher) dispatchNext(ctx context.Context) error {
	req, err := d.submissions.Pop(ctx)
	if err != nil {
		return err
	}

	d.setState(StateDispatching)
	defer d.setState(StateAwaitingStatus)

	// Advance first: anything stamped from here on belongs to this request.
	gen := d.gen.Add(1)
	stale := d.statuses.DrainFunc(func(ev kernel.StatusEvent) bool { return ev.Gen < gen })
	d.staleDropped.Add(uint64(stale))

	d.inFlight.Store(true)
	d.dispatched.Add(1)
	d.logger.Debug("dispatching request", "gen", gen, "hidden", req.Hidden, "marker", req.IsMarker(), "stale_dropped", stale)
	d.sink.Dispatch(req)

	if d.opts.Observer != nil {
		d.opts.Observer.Dispatched(req, gen, stale)
	}
	return nil
}

// cancelOnError discards the backlog and emits the sentinel.
func (d *Dispatcher) cancelOnError() {
	d.setState(StateCancelling)
	defer d.setState(StateAwaitingStatus)

	dropped := d.submissions.Drain()
	d.cancelled.Add(uint64(dropped))
	d.logger.Warn("backend error, backlog cancelled", "reason", CancelBackendError, "dropped", dropped)
	if d.opts.Observer != nil {
		d.opts.Observer.Cancelled(CancelBackendError, dropped)
	}

	sentinel := kernel.Sentinel()
	d.sentinels.Add(1)
	d.sink.Dispatch(sentinel)
	if d.opts.Observer != nil {
		d.opts.Observer.Dispatched(sentinel, d.gen.Load(), 0)
	}
}

// pollBusy pauses for the poll interval without spinning.
func (d *Dispatcher) pollBusy(ctx context.Context) error {
	timer := time.NewTimer(d.opts.BusyPollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s && d.opts.Observer != nil {
		d.opts.Observer.StateChanged(s)
	}
}
