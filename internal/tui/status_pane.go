package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/status"
	"github.com/taskvisor/taskvisor/internal/task"
)

// StatusPaneModel shows the latest status snapshot.
type StatusPaneModel struct {
	snap    status.Snapshot
	seen    bool
	ended   bool
	width   int
	height  int
	focused bool
}

// NewStatusPaneModel creates an empty status pane.
func NewStatusPaneModel() StatusPaneModel {
	return StatusPaneModel{}
}

// Update handles messages for the status pane.
func (m StatusPaneModel) Update(msg tea.Msg) (StatusPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.SystemStatusEvent:
		m.snap = msg.Snapshot
		m.seen = true
	case streamClosedMsg:
		m.ended = true
	}
	return m, nil
}

// Snapshot returns the last snapshot received and whether there was one.
func (m StatusPaneModel) Snapshot() (status.Snapshot, bool) {
	return m.snap, m.seen
}

// View renders the pane.
func (m StatusPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Status")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if !m.seen {
		b.WriteString(StyleStatusPending.Render("No snapshot yet"))
	} else {
		m.renderSnapshot(&b)
	}
	if m.ended {
		b.WriteString("\n")
		b.WriteString(StyleStatusPending.Render("Event stream ended"))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m StatusPaneModel) renderSnapshot(b *strings.Builder) {
	s := m.snap
	done := s.Counts[task.StatusDone]
	failed := s.Counts[task.StatusFailed]
	running := s.Counts[task.StatusInProgress]

	fmt.Fprintf(b, "Health:      %s\n", HealthStyle(s.Health).Render(string(s.Health)))
	fmt.Fprintf(b, "Total:       %d\n", s.Total)
	fmt.Fprintf(b, "Done:        %s\n", StyleStatusComplete.Render(fmt.Sprint(done)))
	fmt.Fprintf(b, "In progress: %s\n", StyleStatusRunning.Render(fmt.Sprint(running)))
	fmt.Fprintf(b, "Failed:      %s\n", StyleStatusFailed.Render(fmt.Sprint(failed)))
	fmt.Fprintf(b, "Pending:     %s\n", StyleStatusPending.Render(fmt.Sprint(s.Counts[task.StatusPending])))
	if n := s.Counts[task.StatusBlocked]; n > 0 {
		fmt.Fprintf(b, "Blocked:     %d\n", n)
	}
	b.WriteString("\n")

	fmt.Fprintf(b, "Sessions:    %d active\n", len(s.ActiveSessions))
	if s.QualityReports > 0 {
		fmt.Fprintf(b, "Quality:     %.1f (%d reports)\n", s.AverageQuality, s.QualityReports)
	}
	fmt.Fprintf(b, "Issues:      %d\n", s.TotalIssues)
	if s.AverageDuration > 0 {
		fmt.Fprintf(b, "Avg time:    %v\n", s.AverageDuration.Round(time.Second))
		fmt.Fprintf(b, "Remaining:   ~%v\n", s.EstimatedRemaining.Round(time.Second))
	}
	b.WriteString("\n")

	if s.Total > 0 {
		barWidth := min(m.width-12, 40)
		doneWidth := (done * barWidth) / s.Total
		failedWidth := (failed * barWidth) / s.Total
		runningWidth := (running * barWidth) / s.Total
		restWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))

		fmt.Fprintf(b, "[%s] %3.0f%%\n", bar, s.Progress())
	}
}

// SetSize updates the pane dimensions.
func (m *StatusPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatusPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
