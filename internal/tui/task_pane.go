package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/session"
)

// listWidth is the width of the task list column.
const listWidth = 28

// TaskState is the dashboard's view of one task and its latest session.
type TaskState struct {
	TaskID    string
	Name      string
	Category  string
	SessionID string
	Status    string // a session status, or "pending" before the first attempt
	Attempt   int
	Fraction  float64
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list plus a scrollable log of the selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // debounces progress redraws
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

type tickMsg struct {
	tag int
}

// Update handles keys and supervision events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.SessionCreatedEvent:
		t := m.ensure(msg.ID)
		t.SessionID = msg.SessionID
		t.Status = string(session.StatusPending)
		t.Fraction = 0
		m.appendLog(t, msg.Timestamp, "session %s created", shortID(msg.SessionID))

	case events.TaskStartedEvent:
		t := m.ensure(msg.ID)
		t.Name = msg.Name
		t.Category = string(msg.Category)
		t.SessionID = msg.SessionID
		t.Status = string(session.StatusRunning)
		t.Attempt = msg.Attempt
		if msg.Attempt == 1 {
			t.StartTime = msg.Timestamp
		}
		m.appendLog(t, msg.Timestamp, "attempt %d started", msg.Attempt)

	case events.TaskProgressEvent:
		t, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		t.Fraction = msg.Fraction
		line := fmt.Sprintf("%3.0f%%", msg.Fraction*100)
		if msg.Message != "" {
			line += " " + msg.Message
		}
		t.Log = append(t.Log, stamp(msg.Timestamp)+line)
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.ErrorDetectedEvent:
		t := m.ensure(msg.ID)
		next := "giving up"
		if msg.WillRetry {
			next = fmt.Sprintf("retrying in %v", msg.RetryIn)
		}
		m.appendLog(t, msg.Timestamp, "%s error: %s (%s)", msg.Err.Kind, msg.Err.Message, next)

	case events.QualityAlertEvent:
		t := m.ensure(msg.ID)
		m.appendLog(t, msg.Timestamp, "alert %s [%s]: %s", msg.RuleID, msg.Severity, msg.Message)

	case events.SessionUpdateEvent:
		t := m.ensure(msg.ID)
		t.SessionID = msg.SessionID
		t.Status = string(msg.Status)
		if msg.Status == session.StatusCancelled {
			m.appendLog(t, msg.Timestamp, "cancelled")
		}

	case events.TaskCompletedEvent:
		t := m.ensure(msg.ID)
		t.Status = string(session.StatusCompleted)
		t.Duration = msg.Duration
		t.Fraction = 1
		line := fmt.Sprintf("completed in %v after %d attempt(s)", msg.Duration.Round(time.Millisecond), msg.Attempts)
		if q := msg.Quality; q != nil {
			line += fmt.Sprintf(", quality %.0f, coverage %.0f%%", q.Score, q.Coverage)
			if !q.GatePassed {
				line += " (below gate)"
			}
		}
		m.appendLog(t, msg.Timestamp, "%s", line)

	case events.TaskFailedEvent:
		t := m.ensure(msg.ID)
		t.Status = string(msg.Status)
		t.Duration = msg.Duration
		reason := "unknown error"
		if msg.Err != nil {
			reason = msg.Err.Error()
		}
		m.appendLog(t, msg.Timestamp, "%s: %s", msg.Status, reason)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// ensure returns the state of id, adding it to the list on first sight.
func (m *TaskPaneModel) ensure(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, Name: id, Status: string(session.StatusPending)}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	return t
}

func (m *TaskPaneModel) appendLog(t *TaskState, at time.Time, format string, args ...any) {
	t.Log = append(t.Log, stamp(at)+fmt.Sprintf(format, args...))
	if m.selectedTaskID() == t.TaskID {
		m.updateViewportContent()
	}
}

func stamp(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return at.Format("15:04:05") + " "
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// View renders the pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := t.Name
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if t.Attempt > 1 {
			line += StyleStatusPending.Render(fmt.Sprintf(" #%d", t.Attempt))
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a session status.
func StatusIcon(status string) string {
	switch session.Status(status) {
	case session.StatusRunning:
		return StyleStatusRunning.Render("●")
	case session.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case session.StatusFailed:
		return StyleStatusFailed.Render("✗")
	case session.StatusTimeout:
		return StyleStatusFailed.Render("⏱")
	case session.StatusCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected task, or nil.
func (m TaskPaneModel) Selected() *TaskState {
	return m.tasks[m.selectedTaskID()]
}

// Task returns the state of id, or nil when no event mentioned it yet.
func (m TaskPaneModel) Task(id string) *TaskState {
	return m.tasks[id]
}

func (m *TaskPaneModel) updateViewportContent() {
	t := m.Selected()
	if t == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := StyleTitle.Render(t.Name)
	if t.Category != "" {
		header += StyleStatusPending.Render("(" + t.Category + ")")
	}
	m.viewport.SetContent(header + "\n" + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
