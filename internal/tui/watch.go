// Package tui implements the `calgate watch` terminal monitor: queue depth,
// dedupe reservation counts, and the recent delivery log, refreshed straight
// from the SQLite database.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mkallio/calgate/internal/dedupe"
	"github.com/mkallio/calgate/internal/queue"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

type snapshot struct {
	Queued      int
	Running     int
	IntakeKeys  int
	ActivityKey int
	Log         []queue.LogEntry
	At          time.Time
}

type snapshotMsg snapshot
type errMsg error

// Model drives the watch view. It owns no goroutines: each refresh is a tea
// command that reads the database and delivers a snapshot message.
type Model struct {
	q       *queue.Queue
	store   *dedupe.SQLiteStore
	refresh time.Duration

	width  int
	height int

	snap    snapshot
	lastErr error

	logTable table.Model
}

func NewWatch(q *queue.Queue, store *dedupe.SQLiteStore, refresh time.Duration) *Model {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Delivery", Width: 10},
			{Title: "Att", Width: 3},
			{Title: "Completed", Width: 10},
			{Title: "Error", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
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

	return &Model{
		q:        q,
		store:    store,
		refresh:  refresh,
		logTable: t,
	}
}

// --- Init ---

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.takeSnapshot,
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
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logTable.SetWidth(m.width - 6)

	case snapshotMsg:
		m.snap = snapshot(msg)
		m.lastErr = nil
		m.updateTable()
		return m, m.scheduleRefresh()

	case errMsg:
		m.lastErr = msg
		return m, m.scheduleRefresh()
	}

	m.logTable, cmd = m.logTable.Update(msg)
	return m, cmd
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return m.takeSnapshot()
	})
}

func (m Model) takeSnapshot() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var snap snapshot
	var err error

	snap.Queued, snap.Running, err = m.q.Depth(ctx)
	if err != nil {
		return errMsg(err)
	}
	if m.store != nil {
		if snap.IntakeKeys, err = m.store.Count(ctx, dedupe.CollectionIntake); err != nil {
			return errMsg(err)
		}
		if snap.ActivityKey, err = m.store.Count(ctx, dedupe.CollectionActivity); err != nil {
			return errMsg(err)
		}
	}
	if snap.Log, err = m.q.RecentLog(ctx, 50); err != nil {
		return errMsg(err)
	}
	snap.At = time.Now()
	return snapshotMsg(snap)
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.snap.Log))
	for _, e := range m.snap.Log {
		rows = append(rows, table.Row{
			statusSymbol(e.Status),
			shortID(e.DeliveryID),
			fmt.Sprintf("%d", e.Attempt),
			e.CompletedAt.Format("15:04:05"),
			errText(e.LastError),
		})
	}
	m.logTable.SetRows(rows)
}

func statusSymbol(s queue.Status) string {
	switch s {
	case queue.StatusSucceeded:
		return statusOK.Render("●")
	case queue.StatusSkipped:
		return statusSkipped.Render("◌")
	case queue.StatusDead:
		return statusFailed.Render("∅")
	default:
		return "○"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func errText(lastError *string) string {
	if lastError == nil {
		return ""
	}
	return *lastError
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	logView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Recent Deliveries"),
			m.logTable.View(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Log")

	parts := []string{header, logView}
	if m.lastErr != nil {
		parts = append(parts, statusFailed.Render(" refresh failed: "+m.lastErr.Error()))
	}
	parts = append(parts, help)

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	refreshed := "-"
	if !m.snap.At.IsZero() {
		refreshed = m.snap.At.Format("15:04:05")
	}

	items := []string{
		fmt.Sprintf("Queued: %d", m.snap.Queued),
		fmt.Sprintf("Running: %d", m.snap.Running),
		fmt.Sprintf("Intake keys: %d", m.snap.IntakeKeys),
		fmt.Sprintf("Activity keys: %d", m.snap.ActivityKey),
		fmt.Sprintf("Refreshed: %s", refreshed),
	}

	cell := (m.width - 4) / len(items)
	rendered := make([]string, len(items))
	for i, item := range items {
		rendered[i] = lipgloss.NewStyle().Width(cell).Render(item)
	}

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, rendered...),
	)
}
