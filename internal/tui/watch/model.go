package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/codexflow/internal/api"
	"github.com/mattjoyce/codexflow/internal/events"
)

const (
	statusInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
	eventLogSize   = 50
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	board       BoardState
	conn        ConnState
	eventLog    []events.Event
	lastEventID int64

	roles   table.Model
	spinner spinner.Model
	help    help.Model
	keys    keyMap
	theme   Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	roles := newRoleTable()
	roles.Focus()
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		ctx:       ctx,
		cancel:    cancel,
		board:     newBoardState(),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		roles:     roles,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:      help.New(),
		keys:      defaultKeyMap(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollStatus,
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) pollStatus() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.pollStatus
		}
		var cmd tea.Cmd
		m.roles, cmd = m.roles.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		next := receiveNextEvent(m.hubEvents)
		if e.ID != 0 && e.ID <= m.lastEventID {
			return m, next
		}
		m.lastEventID = e.ID

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.board.applyEvent(e)
		m.roles.SetRows(roleRows(m.board))
		m.conn.Connected = true
		m.conn.LastEvent = time.Now()
		m.lastError = ""
		return m, next

	case statusMsg:
		m.board.applyStatus(api.StatusResponse(msg))
		m.roles.SetRows(roleRows(m.board))
		m.conn.Connected = true
		m.lastError = ""
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg { return pollMsg{} })

	case pollMsg:
		return m, m.pollStatus

	case sseDisconnectedMsg:
		m.conn.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.conn.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg { return pollMsg{} })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to codexflow..."
	}

	parts := []string{
		renderHeader(m.board, m.conn, m.spinner.View(), m.theme, m.width),
		renderPhaseBoard(m.board, m.theme, m.width),
		renderRoles(m.roles, m.board, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, " "+m.help.View(m.keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
