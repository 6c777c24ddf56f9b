package backend

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/protocol"
	"github.com/mattjoyce/cellgate/internal/queue"
)

// Simulated is an in-process kernel. It announces idle when started and
// answers every request with busy, an input echo, an error when the code
// contains "raise", and idle. Requests are executed one at a time in
// arrival order.
type Simulated struct {
	latency time.Duration
	handler Handler
	logger  *slog.Logger

	pending *queue.Queue[kernel.ExecutionRequest]
	count   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSimulated(latency time.Duration, h Handler) *Simulated {
	return &Simulated{
		latency: latency,
		handler: h,
		logger:  log.WithComponent("backend"),
		pending: queue.New[kernel.ExecutionRequest](),
	}
}

func (s *Simulated) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("backend already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)

	s.logger.Info("simulated backend started", "latency", s.latency)
	return nil
}

func (s *Simulated) Dispatch(req kernel.ExecutionRequest) {
	s.mu.Lock()
	started := s.cancel != nil
	s.mu.Unlock()
	if !started {
		failed(s.handler, "BackendUnavailable", ErrNotStarted)
		return
	}
	s.pending.Push(req)
}

// Executed returns how many requests have finished executing.
func (s *Simulated) Executed() int64 {
	return s.count.Load()
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Simulated) run(ctx context.Context) {
	defer close(s.done)
	s.handler.Handle(idle())

	for {
		req, err := s.pending.Pop(ctx)
		if err != nil {
			return
		}
		s.execute(ctx, req)
	}
}

func (s *Simulated) execute(ctx context.Context, req kernel.ExecutionRequest) {
	s.handler.Handle(status(protocol.StateBusy))
	s.handler.Handle(protocol.Message{
		Header:  protocol.Header{MsgType: protocol.KindExecuteInput},
		Content: protocol.Content{Code: req.Code},
	})

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if strings.Contains(req.Code, "raise") {
		s.handler.Handle(protocol.Message{
			Header:  protocol.Header{MsgType: protocol.KindError},
			Content: protocol.Content{Ename: "RuntimeError", Evalue: "simulated failure"},
		})
	}
	s.count.Add(1)
	s.handler.Handle(idle())
}
