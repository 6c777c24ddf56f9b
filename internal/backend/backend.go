// Package backend runs the execution kernel the dispatcher talks to. A
// backend accepts execute requests fire-and-forget and reports progress only
// through notifications handed to a Handler.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/cellgate/internal/config"
	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/protocol"
)

// ErrNotStarted is reported when a request arrives before Start.
var ErrNotStarted = errors.New("backend not started")

// Handler receives backend notifications. It is called from the backend's
// reader goroutine and must not block.
type Handler interface {
	Handle(msg protocol.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg protocol.Message)

func (f HandlerFunc) Handle(msg protocol.Message) { f(msg) }

// Backend is an execution kernel.
type Backend interface {
	Start(ctx context.Context) error
	Dispatch(req kernel.ExecutionRequest)
	Close() error
}

// New builds the backend selected by cfg.
func New(cfg config.BackendConfig, h Handler) (Backend, error) {
	switch cfg.Kind {
	case config.BackendProcess:
		return NewProcess(ProcessConfig{Command: cfg.Command, Env: cfg.Env, Dir: cfg.Dir}, h), nil
	case config.BackendSimulated:
		return NewSimulated(cfg.SimulatedLatency, h), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// failed reports a request that never reached the kernel the way a kernel
// reports a failed cell, so the dispatcher cancels the backlog and moves on.
func failed(h Handler, ename string, err error) {
	h.Handle(protocol.Message{
		Header:  protocol.Header{MsgType: protocol.KindError},
		Content: protocol.Content{Ename: ename, Evalue: err.Error()},
	})
	h.Handle(idle())
}

func status(state string) protocol.Message {
	return protocol.Message{
		Header:  protocol.Header{MsgType: protocol.KindStatus},
		Content: protocol.Content{ExecutionState: state},
	}
}

func idle() protocol.Message { return status(protocol.StateIdle) }
