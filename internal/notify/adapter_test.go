package notify

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/protocol"
	"github.com/mattjoyce/cellgate/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fixedGen struct{ v atomic.Uint64 }

func (g *fixedGen) Generation() uint64 { return g.v.Load() }

func status(state string) protocol.Message {
	return protocol.Message{
		Header:  protocol.Header{MsgType: protocol.KindStatus},
		Content: protocol.Content{ExecutionState: state},
	}
}

func kind(k string) protocol.Message {
	return protocol.Message{Header: protocol.Header{MsgType: k}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want kernel.Status
		ok   bool
	}{
		{"idle", status("idle"), kernel.StatusIdle, true},
		{"busy", status("busy"), kernel.StatusBusy, true},
		{"starting ignored", status("starting"), kernel.StatusUnknown, false},
		{"error", kind(protocol.KindError), kernel.StatusError, true},
		{"input echo", kind(protocol.KindExecuteInput), kernel.StatusInputEcho, true},
		{"stream ignored", kind(protocol.KindStream), kernel.StatusUnknown, false},
		{"flat msg_type", protocol.Message{MsgType: "status", Content: protocol.Content{ExecutionState: "idle"}}, kernel.StatusIdle, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapterPreservesOrderAndStampsGeneration(t *testing.T) {
	q := queue.New[kernel.StatusEvent]()
	gen := &fixedGen{}
	gen.v.Store(3)
	a := New(q, gen)

	a.Handle(status("busy"))
	a.Handle(kind(protocol.KindExecuteInput))
	a.Handle(kind(protocol.KindStream))
	gen.v.Store(4)
	a.Handle(kind(protocol.KindError))
	a.Handle(status("idle"))

	require.Equal(t, 4, q.Len())
	want := []kernel.StatusEvent{
		{Status: kernel.StatusBusy, Gen: 3},
		{Status: kernel.StatusInputEcho, Gen: 3},
		{Status: kernel.StatusError, Gen: 4},
		{Status: kernel.StatusIdle, Gen: 4},
	}
	for _, w := range want {
		ev, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, w, ev)
	}
}

func TestAdapterHandleRaw(t *testing.T) {
	q := queue.New[kernel.StatusEvent]()
	a := New(q, nil)

	a.HandleRaw(map[string]any{
		"header":  map[string]any{"msg_type": "status"},
		"content": map[string]any{"execution_state": "idle"},
	})
	a.HandleRaw(map[string]any{"nothing": true})

	require.Equal(t, 1, q.Len())
	ev, _ := q.TryPop()
	assert.Equal(t, kernel.StatusEvent{Status: kernel.StatusIdle}, ev)
}

func TestAdapterConcurrentHandle(t *testing.T) {
	q := queue.New[kernel.StatusEvent]()
	a := New(q, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				a.Handle(status("busy"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}
