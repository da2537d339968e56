package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"ouro/pkg/eventlog"
	"ouro/pkg/supervisor"
)

const (
	refreshInterval = 2 * time.Second
	staleAfter      = 30 * time.Second
)

// tickMsg triggers a periodic refresh.
type tickMsg time.Time

// statusMsg carries a freshly read status file. A nil status means the
// supervisor has not written one.
type statusMsg struct {
	status *supervisor.StatusFile
	err    error
}

// eventsMsg carries recent events, newest first.
type eventsMsg struct {
	events []eventlog.Event
	err    error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatusCmd(path string) tea.Cmd {
	return func() tea.Msg {
		st, err := fetchStatus(path)
		return statusMsg{status: st, err: err}
	}
}

func fetchEventsCmd(dbPath string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		events, err := fetchEvents(ctx, dbPath, eventLimit)
		return eventsMsg{events: events, err: err}
	}
}

// ViewType represents the dashboard views.
type ViewType int

const (
	// OverviewView shows workers, tasks, and spend.
	OverviewView ViewType = iota
	// EventsView shows the event log.
	EventsView
	// HelpView lists key bindings.
	HelpView
)

var viewNames = []string{"Overview", "Events", "Help"}

// Model is the Bubble Tea model for ouro-dash.
type Model struct {
	paths      dashPaths
	activeView ViewType
	theme      Theme
	styles     Styles
	now        func() time.Time

	status    *supervisor.StatusFile
	statusErr error
	events    []eventlog.Event
	eventsErr error

	tasks    table.Model
	eventsVP viewport.Model
	watcher  *fsnotify.Watcher

	width  int
	height int
}

func newModel(paths dashPaths) Model {
	theme := DefaultTheme()
	tasks := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Bold(true).Foreground(theme.Primary)
	ts.Selected = ts.Selected.Foreground(theme.Secondary).Bold(true)
	tasks.SetStyles(ts)

	return Model{
		paths:    paths,
		theme:    theme,
		styles:   NewStyles(theme),
		now:      time.Now,
		tasks:    tasks,
		eventsVP: viewport.New(80, 20),
		watcher:  initWatcher(paths.Home),
	}
}

func taskColumns(width int) []table.Column {
	text := width - 14 - 10 - 10 - 10 - 8
	if text < 20 {
		text = 20
	}
	return []table.Column{
		{Title: "Task", Width: 14},
		{Title: "Kind", Width: 10},
		{Title: "State", Width: 10},
		{Title: "Worker", Width: 10},
		{Title: "Age", Width: 8},
		{Title: "Text", Width: text},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchStatusCmd(m.paths.StatusPath),
		fetchEventsCmd(m.paths.StateDBPath),
		tickCmd(),
		waitForChange(m.watcher, statusFileName),
	)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tasks.SetColumns(taskColumns(msg.Width))
		m.tasks.SetHeight(max(msg.Height/3, 5))
		m.eventsVP.Width = msg.Width
		m.eventsVP.Height = max(msg.Height-4, 5)
		m.eventsVP.SetContent(m.renderEvents())

	case statusMsg:
		m.status = msg.status
		m.statusErr = msg.err
		m.tasks.SetRows(m.taskRows())

	case eventsMsg:
		m.events = msg.events
		m.eventsErr = msg.err
		m.eventsVP.SetContent(m.renderEvents())

	case fsChangeMsg:
		return m, tea.Batch(fetchStatusCmd(m.paths.StatusPath), waitForChange(m.watcher, statusFileName))

	case tickMsg:
		return m, tea.Batch(fetchStatusCmd(m.paths.StatusPath), fetchEventsCmd(m.paths.StateDBPath), tickCmd())
	}
	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		return m, tea.Quit
	case "tab":
		m.activeView = (m.activeView + 1) % ViewType(len(viewNames))
		return m, nil
	case "shift+tab":
		m.activeView = (m.activeView + ViewType(len(viewNames)) - 1) % ViewType(len(viewNames))
		return m, nil
	case "?":
		m.activeView = HelpView
		return m, nil
	case "esc":
		m.activeView = OverviewView
		return m, nil
	case "r":
		return m, tea.Batch(fetchStatusCmd(m.paths.StatusPath), fetchEventsCmd(m.paths.StateDBPath))
	}

	var cmd tea.Cmd
	switch m.activeView {
	case OverviewView:
		m.tasks, cmd = m.tasks.Update(msg)
	case EventsView:
		m.eventsVP, cmd = m.eventsVP.Update(msg)
	}
	return m, cmd
}

// taskRows lists running tasks first, then pending ones in queue order.
func (m Model) taskRows() []table.Row {
	if m.status == nil {
		return nil
	}
	now := m.now()
	rows := make([]table.Row, 0, len(m.status.Running)+len(m.status.Pending))
	for _, r := range m.status.Running {
		state := "running"
		if r.Cancelling {
			state = "cancelling"
		}
		rows = append(rows, table.Row{r.TaskID, string(r.Kind), state, r.WorkerID, age(now, r.StartedAt), oneLine(r.Text)})
	}
	for _, t := range m.status.Pending {
		rows = append(rows, table.Row{t.ID, string(t.Kind), "pending", "-", age(now, t.CreatedAt), oneLine(t.Text)})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	sections := []string{m.renderTabs()}
	switch m.activeView {
	case EventsView:
		sections = append(sections, m.eventsVP.View())
	case HelpView:
		sections = append(sections, m.renderHelp())
	default:
		sections = append(sections, m.renderOverview())
	}
	sections = append(sections, m.styles.Muted.Render("tab: switch view • r: refresh • ?: help • q: quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTabs() string {
	tabs := make([]string, 0, len(viewNames)+1)
	tabs = append(tabs, m.styles.Title.Render("ouro"))
	for i, name := range viewNames {
		if ViewType(i) == m.activeView {
			tabs = append(tabs, m.styles.TabActive.Render(name))
		} else {
			tabs = append(tabs, m.styles.Tab.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) renderOverview() string {
	if m.statusErr != nil {
		return m.styles.Error.Render(fmt.Sprintf("status unreadable: %v", m.statusErr))
	}
	if m.status == nil {
		return m.styles.Muted.Render("Supervisor offline (no status file at " + m.paths.StatusPath + ")")
	}
	st := m.status
	now := m.now()

	var summary strings.Builder
	fmt.Fprintf(&summary, "session %s • PID %d • updated %s ago", st.SessionID, st.PID, age(now, st.UpdatedAt))
	if st.Branch != "" {
		fmt.Fprintf(&summary, " • %s", st.Branch)
	}
	if now.Sub(st.UpdatedAt) > staleAfter {
		summary.WriteString(" " + m.styles.Warning.Render("(stale)"))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		summary.String(),
		m.renderSpend(),
		"",
		m.styles.Header.Render(fmt.Sprintf("Workers (%d)", len(st.Workers))),
		NewWorkersTableModel(st.Workers, st.Running, now).View(m.theme, m.styles),
		m.styles.Header.Render(fmt.Sprintf("Tasks (%d running, %d pending)", len(st.Running), len(st.Pending))),
		m.tasks.View(),
	)
}

const spendBarWidth = 30

// renderSpend shows spend against the budget with a bar that turns amber
// at 80% and red at the limit.
func (m Model) renderSpend() string {
	st := m.status
	flags := fmt.Sprintf("evolution %s (cycle %d, failures %d) • background %s",
		onOff(st.EvolutionEnabled), st.EvolutionCycle, st.EvolutionFailures, onOff(st.BackgroundEnabled))
	if st.BudgetUSD <= 0 {
		return fmt.Sprintf("spent $%.2f (no limit) • %s", st.SpentUSD, flags)
	}
	frac := st.SpentUSD / st.BudgetUSD
	filled := int(frac * spendBarWidth)
	filled = min(max(filled, 0), spendBarWidth)
	style := m.styles.HealthGreen
	switch {
	case frac >= 1:
		style = m.styles.HealthRed
	case frac >= 0.8:
		style = m.styles.HealthAmber
	}
	bar := style.Render(strings.Repeat("█", filled)) + m.styles.Muted.Render(strings.Repeat("░", spendBarWidth-filled))
	return fmt.Sprintf("%s $%.2f / $%.2f (%.0f%%) • %s", bar, st.SpentUSD, st.BudgetUSD, frac*100, flags)
}

// renderEvents lists events oldest first so the viewport reads top-down.
func (m Model) renderEvents() string {
	if m.eventsErr != nil {
		return m.styles.Muted.Render(fmt.Sprintf("event log unavailable: %v", m.eventsErr))
	}
	if len(m.events) == 0 {
		return m.styles.Muted.Render("No events yet")
	}
	var sb strings.Builder
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		fmt.Fprintf(&sb, "%s  %-22s %-10s %-10s %s\n",
			e.CreatedAt.Local().Format("15:04:05"), e.Type, dash(e.TaskID), dash(e.WorkerID), oneLine(e.Payload))
	}
	return sb.String()
}

func (m Model) renderHelp() string {
	bindings := [][2]string{
		{"tab / shift+tab", "next / previous view"},
		{"↑ / ↓", "move in the task table or scroll events"},
		{"r", "refresh now"},
		{"esc", "back to overview"},
		{"q / ctrl+c", "quit"},
	}
	var sb strings.Builder
	for _, b := range bindings {
		sb.WriteString(m.styles.Header.Width(18).Render(b[0]))
		sb.WriteString(b[1])
		sb.WriteString("\n")
	}
	return sb.String()
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
