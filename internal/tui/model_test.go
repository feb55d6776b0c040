package tui

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvisor/taskvisor/internal/config"
	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/status"
	"github.com/taskvisor/taskvisor/internal/task"
)

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case KeyTab:
		return tea.KeyMsg{Type: tea.KeyTab}
	case KeyEsc:
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTaskLifecycleEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m := New(make(chan events.Event), Options{})
	m = feed(t, m,
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.SessionCreatedEvent{SessionID: "session-1234567890", ID: "build", Timestamp: now},
		events.TaskStartedEvent{ID: "build", SessionID: "session-1234567890", Name: "Build API", Category: task.CategoryBackend, Attempt: 1, Timestamp: now},
		events.ErrorDetectedEvent{ID: "build", Err: session.ExecutionError{Kind: session.KindAPI, Message: "reset"}, WillRetry: true, RetryIn: 5 * time.Second, Timestamp: now},
		events.TaskStartedEvent{ID: "build", SessionID: "session-1234567890", Name: "Build API", Category: task.CategoryBackend, Attempt: 2, Timestamp: now.Add(6 * time.Second)},
		events.TaskCompletedEvent{ID: "build", Duration: 10 * time.Second, Attempts: 2, Quality: &session.QualityReport{Score: 90, Coverage: 85, GatePassed: true}, Timestamp: now.Add(10 * time.Second)},
	)

	st := m.TaskPane().Task("build")
	require.NotNil(t, st)
	assert.Equal(t, "Build API", st.Name)
	assert.Equal(t, string(session.StatusCompleted), st.Status)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, now, st.StartTime)
	assert.Equal(t, 10*time.Second, st.Duration)
	require.Len(t, st.Log, 5)
	assert.Contains(t, st.Log[0], "session session-")
	assert.Contains(t, st.Log[2], "api error: reset (retrying in 5s)")
	assert.Contains(t, st.Log[4], "quality 90, coverage 85%")

	assert.Contains(t, m.View(), "Build API")
}

func TestTaskFailureAndCancel(t *testing.T) {
	m := New(make(chan events.Event), Options{})
	m = feed(t, m,
		events.TaskFailedEvent{ID: "a", Status: session.StatusTimeout, Err: &session.ExecutionError{Kind: session.KindTimeout, Message: "deadline"}},
		events.SessionUpdateEvent{ID: "b", SessionID: "s2", Status: session.StatusCancelled},
	)

	a := m.TaskPane().Task("a")
	require.NotNil(t, a)
	assert.Equal(t, string(session.StatusTimeout), a.Status)
	assert.Contains(t, a.Log[0], "timeout: timeout error: deadline")

	b := m.TaskPane().Task("b")
	require.NotNil(t, b)
	assert.Equal(t, string(session.StatusCancelled), b.Status)
}

func TestProgressForUnknownTaskIsIgnored(t *testing.T) {
	m := New(make(chan events.Event), Options{})
	m = feed(t, m, events.TaskProgressEvent{ID: "ghost", Fraction: 0.5})
	assert.Nil(t, m.TaskPane().Task("ghost"))
}

func TestSelectionMovesWithKeys(t *testing.T) {
	m := New(make(chan events.Event), Options{})
	m = feed(t, m,
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.TaskStartedEvent{ID: "a", Name: "A", Attempt: 1},
		events.TaskStartedEvent{ID: "b", Name: "B", Attempt: 1},
	)
	assert.Equal(t, "a", m.TaskPane().Selected().TaskID)

	m = feed(t, m, key(KeyJ))
	assert.Equal(t, "b", m.TaskPane().Selected().TaskID)
	m = feed(t, m, key(KeyJ))
	assert.Equal(t, "b", m.TaskPane().Selected().TaskID, "selection stops at the last task")
	m = feed(t, m, key(KeyK))
	assert.Equal(t, "a", m.TaskPane().Selected().TaskID)

	// Keys go nowhere while the status pane has focus.
	m = feed(t, m, key(KeyTab), key(KeyJ))
	assert.Equal(t, "a", m.TaskPane().Selected().TaskID)
}

func TestSystemStatusUpdatesStatusPane(t *testing.T) {
	snap := status.Aggregate([]*task.Task{
		{ID: "a", Status: task.StatusDone},
		{ID: "b", Status: task.StatusPending},
	}, nil, 70, time.Now())

	m := New(make(chan events.Event), Options{})
	m = feed(t, m, tea.WindowSizeMsg{Width: 120, Height: 40}, events.SystemStatusEvent{Snapshot: snap})

	got, ok := m.StatusPane().Snapshot()
	require.True(t, ok)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 1, got.Counts[task.StatusDone])
	assert.Contains(t, m.View(), "50%")
}

func TestWaitForEventReportsClosedStream(t *testing.T) {
	ch := make(chan events.Event, 1)
	ch <- events.TaskStartedEvent{ID: "a"}
	close(ch)

	cmd := waitForEvent(ch)
	assert.IsType(t, events.TaskStartedEvent{}, cmd())
	assert.Equal(t, streamClosedMsg{}, cmd())

	m := feed(t, New(ch, Options{}), tea.WindowSizeMsg{Width: 120, Height: 40}, streamClosedMsg{})
	assert.Contains(t, m.View(), "Event stream ended")
}

func TestQuitKey(t *testing.T) {
	m := New(make(chan events.Event), Options{})
	next, cmd := m.Update(key(KeyQuit))
	require.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", next.View())
}

func TestSettingsRequireConfig(t *testing.T) {
	m := feed(t, New(make(chan events.Event), Options{}), key(KeySettings))
	assert.False(t, m.showSettings)

	cfg := config.DefaultConfig()
	dir := t.TempDir()
	m = feed(t, New(make(chan events.Event), Options{
		Config:      cfg,
		GlobalPath:  filepath.Join(dir, "global.yaml"),
		ProjectPath: filepath.Join(dir, "project.yaml"),
	}), key(KeySettings))
	assert.True(t, m.showSettings)

	m = feed(t, m, key(KeyEsc))
	assert.False(t, m.showSettings)
}

func TestSettingsSave(t *testing.T) {
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	project := filepath.Join(dir, "project.yaml")
	p := NewSettingsPaneModel(cfg, filepath.Join(dir, "global.yaml"), project)

	p.fields.maxRetries = "7"
	p.fields.retryDelay = "2s"
	p.fields.notify = []string{notifyFailure}
	require.NoError(t, p.save())

	assert.Equal(t, 7, cfg.Supervision.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Supervision.RetryDelay)
	assert.True(t, cfg.Supervision.Notifications.OnTaskFailure)
	assert.False(t, cfg.Supervision.Notifications.OnTaskComplete)

	loaded, err := config.Load("", project)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Supervision.MaxRetries)
}

func TestSettingsRejectInvalidValues(t *testing.T) {
	cfg := config.DefaultConfig()
	before := cfg.Supervision
	dir := t.TempDir()
	p := NewSettingsPaneModel(cfg, filepath.Join(dir, "g.yaml"), filepath.Join(dir, "p.yaml"))

	p.fields.maxConcurrent = "0"
	var cfgErr *config.ConfigError
	require.True(t, errors.As(p.save(), &cfgErr))
	assert.Equal(t, "supervision.max_concurrent_tasks", cfgErr.Field)
	assert.Equal(t, before, cfg.Supervision, "config must be untouched")

	p.fields.maxConcurrent = "2"
	p.fields.taskTimeout = "soon"
	assert.ErrorContains(t, p.save(), "task_timeout")
}
