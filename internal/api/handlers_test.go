package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellgate/internal/api/mocks"
	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/session"
)

const testKey = "test-key"

// fakeController implements Controller for tests that only need canned answers.
type fakeController struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
	snapshot  session.Snapshot
}

func (f *fakeController) Submit(code string, hidden bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, code)
	return nil
}

func (f *fakeController) RunAll(cells []string) (int, error) { return len(cells), nil }

func (f *fakeController) Stop() int { return 0 }

func (f *fakeController) Snapshot() session.Snapshot { return f.snapshot }

func newTestServer(t *testing.T, ctrl Controller, history History) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{APIKey: testKey, RequestsPerSecond: 1000, Burst: 1000}, ctrl, history, events.NewHub(16), logger)
}

func do(t *testing.T, srv *Server, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthzNoAuth(t *testing.T) {
	srv := newTestServer(t, &fakeController{snapshot: session.Snapshot{State: "awaiting_status", Queued: 2}}, nil)

	rr := do(t, srv, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "awaiting_status", resp.State)
	assert.Equal(t, 2, resp.QueueDepth)
}

func TestMetricsNoAuth(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, nil)
	rr := do(t, srv, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, nil)

	cases := []struct{ method, path string }{
		{http.MethodPost, "/submit"},
		{http.MethodPost, "/run-all"},
		{http.MethodPost, "/stop"},
		{http.MethodGet, "/status"},
		{http.MethodGet, "/history"},
		{http.MethodGet, "/history/abc"},
		{http.MethodGet, "/events"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, do(t, srv, tc.method, tc.path, nil, "").Code)
			assert.Equal(t, http.StatusUnauthorized, do(t, srv, tc.method, tc.path, nil, "wrong").Code)
		})
	}
}

func TestSubmit(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockController(ctrl)
	srv := newTestServer(t, c, nil)

	gomock.InOrder(
		c.EXPECT().Submit("print(1)", false).Return(nil),
		c.EXPECT().Snapshot().Return(session.Snapshot{Queued: 1}),
	)

	rr := do(t, srv, http.MethodPost, "/submit", SubmitRequest{Code: "print(1)"}, testKey)
	require.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode[SubmitResponse](t, rr)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, 1, resp.Queued)
}

func TestSubmitValidation(t *testing.T) {
	fake := &fakeController{}
	srv := newTestServer(t, fake, nil)

	rr := do(t, srv, http.MethodPost, "/submit", SubmitRequest{Code: "   "}, testKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	bad := httptest.NewRecorder()
	srv.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	fake.submitErr = session.ErrReservedCode
	rr = do(t, srv, http.MethodPost, "/submit", SubmitRequest{Code: "# QP_ERROR"}, testKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[ErrorResponse](t, rr).Error, "reserved")

	fake.submitErr = errors.New("boom")
	rr = do(t, srv, http.MethodPost, "/submit", SubmitRequest{Code: "x"}, testKey)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, fake.submitted)
}

func TestRunAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockController(ctrl)
	srv := newTestServer(t, c, nil)

	c.EXPECT().RunAll([]string{"a", "b"}).Return(2, nil)
	c.EXPECT().Snapshot().Return(session.Snapshot{Queued: 4})

	rr := do(t, srv, http.MethodPost, "/run-all", RunAllRequest{Cells: []string{"a", "b"}}, testKey)
	require.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode[RunAllResponse](t, rr)
	assert.Equal(t, 2, resp.Cells)
	assert.Equal(t, 4, resp.Queued)

	c.EXPECT().RunAll(gomock.Any()).Return(0, session.ErrEmptyBatch)
	rr = do(t, srv, http.MethodPost, "/run-all", RunAllRequest{}, testKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStopAndStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockController(ctrl)
	srv := newTestServer(t, c, nil)

	c.EXPECT().Stop().Return(3)
	rr := do(t, srv, http.MethodPost, "/stop", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decode[StopResponse](t, rr).Dropped)

	c.EXPECT().Snapshot().Return(session.Snapshot{SessionID: "s-1", State: "dispatching", Generation: 9, InFlight: true})
	rr = do(t, srv, http.MethodGet, "/status", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decode[StatusResponse](t, rr)
	assert.Equal(t, "s-1", snap.SessionID)
	assert.Equal(t, uint64(9), snap.Generation)
	assert.True(t, snap.InFlight)
}

func TestHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHistory(ctrl)
	srv := newTestServer(t, &fakeController{}, h)

	h.EXPECT().Recent(gomock.Any(), 10).Return([]journal.Dispatch{{ID: "d1", Code: "print(1)", Kind: journal.KindUser}}, nil)
	rr := do(t, srv, http.MethodGet, "/history?limit=10", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HistoryResponse](t, rr)
	require.Len(t, resp.Dispatches, 1)
	assert.Equal(t, "d1", resp.Dispatches[0].ID)

	h.EXPECT().Recent(gomock.Any(), maxHistoryLimit).Return(nil, nil)
	rr = do(t, srv, http.MethodGet, "/history?limit=100000", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"dispatches":[]`)

	rr = do(t, srv, http.MethodGet, "/history?limit=-1", nil, testKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	h.EXPECT().Recent(gomock.Any(), defaultHistoryLimit).Return(nil, errors.New("disk"))
	rr = do(t, srv, http.MethodGet, "/history", nil, testKey)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGetHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := mocks.NewMockHistory(ctrl)
	srv := newTestServer(t, &fakeController{}, h)

	h.EXPECT().Get(gomock.Any(), "missing").Return(nil, journal.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/history/missing", nil, testKey).Code)

	h.EXPECT().Get(gomock.Any(), "d1").Return(&journal.Dispatch{ID: "d1", Kind: journal.KindSentinel}, nil)
	rr := do(t, srv, http.MethodGet, "/history/d1", nil, testKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, journal.KindSentinel, decode[journal.Dispatch](t, rr).Kind)
}

func TestHistoryWithoutJournal(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/history", nil, testKey).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/history/x", nil, testKey).Code)
}

func TestSubmitRateLimited(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{APIKey: testKey, RequestsPerSecond: 0.001, Burst: 1}, &fakeController{}, nil, nil, logger)

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/submit", SubmitRequest{Code: "a"}, testKey).Code)
	rr := do(t, srv, http.MethodPost, "/submit", SubmitRequest{Code: "b"}, testKey)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// Read-only routes are not limited.
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/status", nil, testKey).Code)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{APIKey: testKey}, &fakeController{}, nil, hub, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	hub.Publish(events.TopicStatus, map[string]string{"status": "idle"})
	hub.Publish(events.TopicDispatch, map[string]string{"code": "replayed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?topics=dispatch", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var data []string
	waitData := func() {
		for line := range lines {
			if strings.HasPrefix(line, "event: ") {
				assert.Equal(t, "event: dispatch", line)
			}
			if strings.HasPrefix(line, "data: ") {
				data = append(data, strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}

	waitData()
	hub.Publish(events.TopicStatus, map[string]string{"status": "busy"})
	hub.Publish(events.TopicDispatch, map[string]string{"code": "live"})
	waitData()

	require.Len(t, data, 2)
	assert.Contains(t, data[0], "replayed")
	assert.Contains(t, data[1], "live")
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestParseTopics(t *testing.T) {
	assert.Nil(t, parseTopics(""))
	assert.Equal(t, []string{"dispatch", "cancel"}, parseTopics(" dispatch, ,cancel "))
}
