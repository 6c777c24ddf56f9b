package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/protocol"
)

// terminationGracePeriod is how long Close waits after SIGTERM before SIGKILL.
const terminationGracePeriod = 5 * time.Second

// ProcessConfig describes the kernel bridge command.
type ProcessConfig struct {
	Command []string
	Env     map[string]string
	Dir     string
}

// Process drives a kernel bridge subprocess. Execute requests are written to
// its stdin as JSON lines; notifications are read from its stdout the same
// way. Stderr is logged.
type Process struct {
	cfg     ProcessConfig
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	closing atomic.Bool
	done    chan struct{}
	waitErr error
}

func NewProcess(cfg ProcessConfig, h Handler) *Process {
	return &Process{
		cfg:     cfg,
		handler: h,
		logger:  log.WithComponent("backend"),
		done:    make(chan struct{}),
	}
}

// Start spawns the command. The process is not tied to ctx; use Close to
// stop it.
func (p *Process) Start(ctx context.Context) error {
	if len(p.cfg.Command) == 0 {
		return fmt.Errorf("backend command is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("backend already started")
	}

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.logger.Info("backend process started", "pid", cmd.Process.Pid, "command", p.cfg.Command[0])

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readNotifications(stdout)
	}()
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		switch {
		case p.closing.Load():
			p.logger.Info("backend process exited")
		case err != nil:
			p.logger.Error("backend process exited unexpectedly", "error", err)
			failed(p.handler, "BackendExited", err)
		default:
			p.logger.Error("backend process exited unexpectedly")
			failed(p.handler, "BackendExited", io.ErrUnexpectedEOF)
		}
		close(p.done)
	}()
	return nil
}

// Dispatch writes req to the kernel. Write failures are reported to the
// handler as an error followed by idle.
func (p *Process) Dispatch(req kernel.ExecutionRequest) {
	p.mu.Lock()
	stdin := p.stdin
	var err error
	if stdin == nil {
		err = ErrNotStarted
	} else {
		err = protocol.EncodeExecute(stdin, &protocol.ExecuteRequest{
			Protocol: protocol.Version,
			ID:       uuid.NewString(),
			Code:     req.Code,
			Silent:   req.Hidden,
		})
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("failed to send execute request", "error", err)
		failed(p.handler, "BackendUnavailable", err)
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the process exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Close closes stdin and waits for the process to exit, escalating to
// SIGTERM and then SIGKILL.
func (p *Process) Close() error {
	p.mu.Lock()
	cmd, stdin := p.cmd, p.stdin
	p.stdin = nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	p.closing.Store(true)
	if stdin != nil {
		_ = stdin.Close()
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	}

	p.logger.Warn("backend did not exit after stdin closed, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace.Reset(terminationGracePeriod)
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	}

	p.logger.Warn("backend did not exit after SIGTERM, sending SIGKILL")
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-p.done
	return nil
}

func (p *Process) readNotifications(r io.Reader) {
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Next()
		switch {
		case err == nil:
			p.handler.Handle(msg)
		case errors.Is(err, protocol.ErrMalformed):
			p.logger.Warn("skipping malformed notification", "error", err)
		case errors.Is(err, io.EOF):
			return
		default:
			p.logger.Error("notification stream failed", "error", err)
			failed(p.handler, "NotificationStreamFailed", err)
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

func (p *Process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("backend stderr", "line", scanner.Text())
	}
}
