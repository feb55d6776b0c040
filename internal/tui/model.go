package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskvisor/taskvisor/internal/config"
	"github.com/taskvisor/taskvisor/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneStatus
	paneCount
)

// streamClosedMsg is delivered once the event channel is closed.
type streamClosedMsg struct{}

// Model is the root Bubble Tea model of the supervision dashboard.
type Model struct {
	taskPane     TaskPaneModel
	statusPane   StatusPaneModel
	settingsPane SettingsPaneModel
	hasSettings  bool
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// Options configures the dashboard.
type Options struct {
	// Config enables the settings overlay when non-nil.
	Config      *config.Config
	GlobalPath  string
	ProjectPath string
}

// New creates a dashboard fed by sub, which is either a broadcaster
// subscription or a NATS source.
func New(sub <-chan events.Event, opts Options) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(),
		statusPane:  NewStatusPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    sub,
	}
	if opts.Config != nil {
		m.settingsPane = NewSettingsPaneModel(opts.Config, opts.GlobalPath, opts.ProjectPath)
		m.hasSettings = true
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return streamClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			if m.hasSettings {
				m.showSettings = true
				m.settingsPane.SetVisible(true)
				cmds = append(cmds, m.settingsPane.Init())
			}

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneStatus
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.SystemStatusEvent:
		m.statusPane, _ = m.statusPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case streamClosedMsg:
		m.statusPane, _ = m.statusPane.Update(msg)

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	default:
		if m.showSettings {
			// huh drives its own internal messages (focus, blink).
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.statusPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView(m.hasSettings))
}

// TaskPane exposes the task pane state.
func (m Model) TaskPane() TaskPaneModel {
	return m.taskPane
}

// StatusPane exposes the status pane state.
func (m Model) StatusPane() StatusPaneModel {
	return m.statusPane
}

// computeLayout gives the task pane 65% of the width and reserves one line
// for the help bar.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.statusPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.statusPane.SetFocused(m.focusedPane == PaneStatus)
}
