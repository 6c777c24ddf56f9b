package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/session"
)

// --- Message types ---

type eventMsg events.Event

type statusMsg session.Snapshot

type stoppedMsg struct{ dropped int }

type errMsg error

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

// --- Commands ---

// readSSE parses an SSE stream into events until r is exhausted.
func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				ch <- current
			}
			current = events.Event{}
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	return scanner.Err()
}

// subscribeToEvents connects to /events and feeds events into ch. It returns
// sseDisconnectedMsg when the connection drops.
func subscribeToEvents(ctx context.Context, apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		_ = readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries the /status endpoint.
func fetchStatus(apiURL, apiKey string) tea.Msg {
	var snap session.Snapshot
	if err := call(http.MethodGet, apiURL+"/status", apiKey, &snap); err != nil {
		return errMsg(err)
	}
	return statusMsg(snap)
}

// stopBacklog calls POST /stop.
func stopBacklog(apiURL, apiKey string) tea.Cmd {
	return func() tea.Msg {
		var resp struct {
			Dropped int `json:"dropped"`
		}
		if err := call(http.MethodPost, apiURL+"/stop", apiKey, &resp); err != nil {
			return errMsg(err)
		}
		return stoppedMsg{dropped: resp.Dropped}
	}
}

func call(method, url, apiKey string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
