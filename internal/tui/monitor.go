package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cellgate/internal/events"
	"github.com/mattjoyce/cellgate/internal/session"
)

const (
	maxRows         = 200
	maxLogLines     = 50
	statusInterval  = 2 * time.Second
	reconnectDelay  = 2 * time.Second
	codePreviewSize = 48
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

// dispatchRow is one request shown in the table.
type dispatchRow struct {
	Kind       string
	Code       string
	Generation uint64
	At         time.Time
}

type Model struct {
	apiURL string
	apiKey string
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	dispatches []dispatchRow
	eventLog   []events.Event
	hubEvents  chan events.Event

	status    session.Snapshot
	connected bool
	lastErr   error
	notice    string

	table    table.Model
	viewport viewport.Model
}

// NewMonitor returns a monitor for the API at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Kind", Width: 8},
			{Title: "Gen", Width: 6},
			{Title: "Time", Width: 8},
			{Title: "Code", Width: codePreviewSize},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		ctx:       ctx,
		cancel:    cancel,
		hubEvents: make(chan events.Event, 128),
		table:     t,
		viewport:  viewport.New(80, 10),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollStatus(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "s":
			return m, stopBacklog(m.apiURL, m.apiKey)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 3
		m.viewport.SetContent(m.renderEvents())

	case eventMsg:
		m.connected = true
		m.handleEvent(events.Event(msg))
		m.updateTable()
		m.viewport.SetContent(m.renderEvents())
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.status = session.Snapshot(msg)
		m.lastErr = nil
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case stoppedMsg:
		m.notice = fmt.Sprintf("stopped: %d queued cell(s) discarded", msg.dropped)

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastErr = msg
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxLogLines {
		m.eventLog = m.eventLog[:maxLogLines]
	}

	switch e.Type {
	case events.TopicDispatch:
		var d session.DispatchEvent
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return
		}
		m.dispatches = append([]dispatchRow{{
			Kind:       string(d.Kind),
			Code:       d.Code,
			Generation: d.Generation,
			At:         e.At,
		}}, m.dispatches...)
		if len(m.dispatches) > maxRows {
			m.dispatches = m.dispatches[:maxRows]
		}

	case events.TopicState:
		var st session.StateEvent
		if err := json.Unmarshal(e.Data, &st); err == nil {
			m.status.State = st.State
		}

	case events.TopicCancel:
		var c session.CancelEvent
		if err := json.Unmarshal(e.Data, &c); err == nil {
			m.notice = fmt.Sprintf("%s: %d queued cell(s) discarded", c.Reason, c.Dropped)
		}
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.dispatches))
	for _, d := range m.dispatches {
		rows = append(rows, table.Row{
			kindSymbol(d.Kind),
			d.Kind,
			fmt.Sprintf("%d", d.Generation),
			d.At.Local().Format("15:04:05"),
			preview(d.Code),
		})
	}
	m.table.SetRows(rows)
}

func kindSymbol(kind string) string {
	switch kind {
	case "user":
		return statusOK.Render("●")
	case "marker":
		return statusQueued.Render("○")
	case "sentinel":
		return statusFailed.Render("∅")
	default:
		return "?"
	}
}

// preview returns the first line of code, shortened for the table.
func preview(code string) string {
	line, _, more := strings.Cut(strings.TrimSpace(code), "\n")
	if more || len(line) > codePreviewSize {
		if len(line) > codePreviewSize-1 {
			line = line[:codePreviewSize-1]
		}
		line += "…"
	}
	return line
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	dispatchView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Dispatches"),
			m.table.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.viewport.View(),
		),
	)

	footer := " [q] Quit • [s] Stop backlog • [↑/↓] Scroll"
	if m.notice != "" {
		footer += " • " + m.notice
	}
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(footer)

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			dispatchView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	conn := statusOK.Render("LIVE")
	switch {
	case m.lastErr != nil:
		conn = statusFailed.Render("ERROR")
	case !m.connected:
		conn = statusQueued.Render("CONNECTING")
	}

	state := m.status.State
	if state == "" {
		state = "-"
	}
	if m.status.InFlight {
		state = statusRunning.Render(state + " (running)")
	}

	items := []string{
		fmt.Sprintf("API: %s", conn),
		fmt.Sprintf("State: %s", state),
		fmt.Sprintf("Queue: %d", m.status.Queued),
		fmt.Sprintf("Sent: %d  Err: %d  Drop: %d", m.status.Dispatched, m.status.Sentinels, m.status.Cancelled),
	}

	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for _, e := range m.eventLog {
		ts := e.At.Local().Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-8s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) pollStatus() tea.Cmd {
	return func() tea.Msg {
		return fetchStatus(m.apiURL, m.apiKey)
	}
}
