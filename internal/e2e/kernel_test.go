package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellgate/internal/config"
	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/inspect"
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
	"github.com/mattjoyce/cellgate/internal/session"
	"github.com/mattjoyce/cellgate/internal/storage"
)

// kernelBin is the echo-kernel binary built once for the package, or empty
// when it could not be built.
var (
	kernelBin      string
	kernelBuildErr error
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")

	dir, err := os.MkdirTemp("", "cellgate-e2e-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkdir temp: %v\n", err)
		os.Exit(1)
	}
	kernelBin, kernelBuildErr = buildEchoKernel(dir)

	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func buildEchoKernel(dir string) (string, error) {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return "", err
	}
	bin := filepath.Join(dir, "echo-kernel")
	cmd := exec.Command(goBin, "build", "-o", bin, "./plugins/echo-kernel")
	cmd.Dir = repoRoot()
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build echo-kernel: %v: %s", err, out)
	}
	return bin, nil
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

type harness struct {
	sess     *session.Session
	journal  *journal.Journal
	dispatch <-chan events.Event
}

func startSession(t *testing.T) (*harness, *config.Config) {
	t.Helper()
	if kernelBin == "" {
		t.Skipf("echo-kernel unavailable: %v", kernelBuildErr)
	}

	cfg := config.Defaults()
	cfg.Backend = config.BackendConfig{Kind: config.BackendProcess, Command: []string{kernelBin}}
	cfg.Dispatcher.BusyPollInterval = 2 * time.Millisecond
	cfg.State.Path = filepath.Join(t.TempDir(), "cellgate.db")

	ctx, cancel := context.WithCancel(context.Background())
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)

	j := journal.New(db)
	sess, err := session.New(cfg, session.Deps{Journal: j})
	require.NoError(t, err)

	sub, unsubscribe := sess.Hub().Subscribe(events.TopicDispatch)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("session did not stop")
		}
		unsubscribe()
		_ = db.Close()
	})

	return &harness{sess: sess, journal: j, dispatch: sub}, cfg
}

// nextDispatch waits for the next dispatch event.
func (h *harness) nextDispatch(t *testing.T) session.DispatchEvent {
	t.Helper()
	select {
	case ev := <-h.dispatch:
		var d session.DispatchEvent
		require.NoError(t, json.Unmarshal(ev.Data, &d))
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return session.DispatchEvent{}
	}
}

// settle waits until nothing is queued or in flight.
func (h *harness) settle(t *testing.T) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.Eventually(t, func() bool {
		snap = h.sess.Snapshot()
		return !snap.InFlight && snap.Queued == 0
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestPrintOneThenPrintTwo(t *testing.T) {
	h, _ := startSession(t)

	require.NoError(t, h.sess.Submit("print(1)", false))
	require.NoError(t, h.sess.Submit("print(2)", false))

	first := h.nextDispatch(t)
	second := h.nextDispatch(t)
	assert.Equal(t, "print(1)", first.Code)
	assert.Equal(t, "print(2)", second.Code)
	assert.Less(t, first.Generation, second.Generation)

	snap := h.settle(t)
	assert.Equal(t, uint64(2), snap.Dispatched)
	assert.Zero(t, snap.Sentinels)

	recent, err := h.journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "print(2)", recent[0].Code)
	assert.Equal(t, "print(1)", recent[1].Code)
}

func TestErrorDrainsBacklogThenRecovers(t *testing.T) {
	h, cfg := startSession(t)

	// The sleep keeps the failing cell in flight while the backlog builds up.
	require.NoError(t, h.sess.Submit("sleep(0.2)\nraise ValueError('boom')", false))
	first := h.nextDispatch(t)
	require.Equal(t, journal.KindUser, first.Kind)

	require.NoError(t, h.sess.Submit("print(2)", false))
	require.NoError(t, h.sess.Submit("print(3)", false))

	sentinel := h.nextDispatch(t)
	assert.Equal(t, journal.KindSentinel, sentinel.Kind)
	assert.Equal(t, kernel.ErrorMarker, sentinel.Code)
	assert.True(t, sentinel.Hidden)

	snap := h.settle(t)
	assert.Equal(t, uint64(1), snap.Sentinels)
	assert.Equal(t, uint64(2), snap.Cancelled)
	assert.Equal(t, uint64(1), snap.Dispatched)

	require.NoError(t, h.sess.Submit("print(4)", false))
	assert.Equal(t, "print(4)", h.nextDispatch(t).Code)
	h.settle(t)

	recent, err := h.journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	for _, d := range recent {
		assert.NotContains(t, []string{"print(2)", "print(3)"}, d.Code)
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	require.NoError(t, err)
	defer db.Close()

	out, err := inspect.BuildJSONReport(context.Background(), db, recent[2].ID)
	require.NoError(t, err)
	var report inspect.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, inspect.OutcomeError, report.Outcome)
	require.Len(t, report.Cancels, 1)
	assert.Equal(t, 2, report.Cancels[0].Dropped)
}

func TestRunAllBracketsBatch(t *testing.T) {
	h, _ := startSession(t)

	n, err := h.sess.RunAll([]string{"print(1)", "", "print(2)"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var kinds []journal.Kind
	var codes []string
	for i := 0; i < 4; i++ {
		d := h.nextDispatch(t)
		kinds = append(kinds, d.Kind)
		codes = append(codes, d.Code)
	}
	assert.Equal(t, []journal.Kind{journal.KindMarker, journal.KindUser, journal.KindUser, journal.KindMarker}, kinds)
	assert.Equal(t, "print(1)", codes[1])
	assert.Equal(t, "print(2)", codes[2])
	h.settle(t)
}
