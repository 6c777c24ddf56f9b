package backend

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellgate/internal/config"
	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type collector chan protocol.Message

func (c collector) Handle(msg protocol.Message) { c <- msg }

// next returns a short description of the next notification.
func (c collector) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-c:
		if msg.Kind() == protocol.KindStatus {
			return msg.Content.ExecutionState
		}
		return msg.Kind()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func TestNewSelectsKind(t *testing.T) {
	h := make(collector, 1)

	b, err := New(config.BackendConfig{Kind: config.BackendSimulated}, h)
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, b)

	b, err = New(config.BackendConfig{Kind: config.BackendProcess, Command: []string{"cat"}}, h)
	require.NoError(t, err)
	assert.IsType(t, &Process{}, b)

	_, err = New(config.BackendConfig{Kind: "remote"}, h)
	assert.Error(t, err)
}

func TestSimulatedSequence(t *testing.T) {
	h := make(collector, 32)
	sim := NewSimulated(time.Millisecond, h)
	require.NoError(t, sim.Start(context.Background()))
	defer sim.Close()

	assert.Equal(t, "idle", h.next(t))

	sim.Dispatch(kernel.ExecutionRequest{Code: "print(1)"})
	assert.Equal(t, "busy", h.next(t))
	assert.Equal(t, protocol.KindExecuteInput, h.next(t))
	assert.Equal(t, "idle", h.next(t))

	sim.Dispatch(kernel.ExecutionRequest{Code: "raise ValueError()"})
	assert.Equal(t, "busy", h.next(t))
	assert.Equal(t, protocol.KindExecuteInput, h.next(t))
	assert.Equal(t, protocol.KindError, h.next(t))
	assert.Equal(t, "idle", h.next(t))

	assert.Equal(t, int64(2), sim.Executed())
}

func TestSimulatedNotStarted(t *testing.T) {
	h := make(collector, 4)
	sim := NewSimulated(0, h)

	sim.Dispatch(kernel.ExecutionRequest{Code: "x"})
	assert.Equal(t, protocol.KindError, h.next(t))
	assert.Equal(t, "idle", h.next(t))
	assert.NoError(t, sim.Close())
}

const echoKernel = `while read line; do
  echo '{"header":{"msg_type":"status"},"content":{"execution_state":"busy"}}'
  echo 'not json'
  echo ''
  echo '{"msg_type":"status","content":{"execution_state":"idle"}}'
done`

func TestProcessRoundTrip(t *testing.T) {
	h := make(collector, 32)
	p := NewProcess(ProcessConfig{Command: []string{"sh", "-c", echoKernel}}, h)
	require.NoError(t, p.Start(context.Background()))

	p.Dispatch(kernel.ExecutionRequest{Code: "print(1)"})
	assert.Equal(t, "busy", h.next(t))
	assert.Equal(t, "idle", h.next(t))

	require.NoError(t, p.Close())
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	select {
	case msg := <-h:
		t.Fatalf("unexpected notification after clean close: %+v", msg)
	default:
	}
}

const chattyKernel = `read line
echo '{"msg_type":"status","content":{"execution_state":"busy"}}'
printf '{"msg_type":"stream","content":{"text":"'
head -c 5000000 /dev/zero | tr '\0' x
echo '"}}'
echo '{"msg_type":"status","content":{"execution_state":"idle"}}'
read line`

func TestProcessSurvivesOversizedNotification(t *testing.T) {
	h := make(collector, 32)
	p := NewProcess(ProcessConfig{Command: []string{"sh", "-c", chattyKernel}}, h)
	require.NoError(t, p.Start(context.Background()))

	p.Dispatch(kernel.ExecutionRequest{Code: "print('x' * 5000000)"})
	assert.Equal(t, "busy", h.next(t))
	assert.Equal(t, "idle", h.next(t))

	select {
	case <-p.Done():
		t.Fatal("kernel exited early")
	default:
	}

	require.NoError(t, p.Close())
	select {
	case msg := <-h:
		t.Fatalf("unexpected notification after clean close: %+v", msg)
	default:
	}
}

func TestProcessNotStarted(t *testing.T) {
	h := make(collector, 4)
	p := NewProcess(ProcessConfig{Command: []string{"cat"}}, h)

	p.Dispatch(kernel.ExecutionRequest{Code: "x"})
	assert.Equal(t, protocol.KindError, h.next(t))
	assert.Equal(t, "idle", h.next(t))
	assert.NoError(t, p.Close())
}

func TestProcessUnexpectedExit(t *testing.T) {
	h := make(collector, 4)
	p := NewProcess(ProcessConfig{Command: []string{"sh", "-c", "exit 3"}}, h)
	require.NoError(t, p.Start(context.Background()))

	assert.Equal(t, protocol.KindError, h.next(t))
	assert.Equal(t, "idle", h.next(t))
	<-p.Done()
	assert.Error(t, p.Err())
}

func TestProcessEmptyCommand(t *testing.T) {
	p := NewProcess(ProcessConfig{}, make(collector, 1))
	assert.Error(t, p.Start(context.Background()))
}
