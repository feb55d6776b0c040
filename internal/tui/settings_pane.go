package tui

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskvisor/taskvisor/internal/config"
)

// Notification toggles as multi-select values.
const (
	notifyComplete = "complete"
	notifyFailure  = "failure"
	notifyAnomaly  = "anomaly"
	notifyStatus   = "status"
)

// SettingsPaneModel edits the supervision settings in a form overlay.
// Changes apply to the next run; a run in progress keeps its settings.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Shared across model copies so the form's bindings stay live.
	fields *settingsFields
}

// settingsFields are the form bindings (strings for Huh).
type settingsFields struct {
	saveTarget       string
	taskTimeout      string
	totalTimeout     string
	maxRetries       string
	retryDelay       string
	minQualityScore  string
	minTestCoverage  string
	maxConcurrent    string
	breakerThreshold string
	breakerCooldown  string
	notify           []string
}

// NewSettingsPaneModel creates a settings pane for cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &settingsFields{},
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	f := m.fields
	s := m.config.Supervision
	f.saveTarget = "project"
	f.taskTimeout = s.TaskTimeout.String()
	f.totalTimeout = s.TotalTimeout.String()
	f.maxRetries = strconv.Itoa(s.MaxRetries)
	f.retryDelay = s.RetryDelay.String()
	f.minQualityScore = strconv.FormatFloat(s.MinQualityScore, 'f', -1, 64)
	f.minTestCoverage = strconv.FormatFloat(s.MinTestCoverage, 'f', -1, 64)
	f.maxConcurrent = strconv.Itoa(s.MaxConcurrentTasks)
	f.breakerThreshold = strconv.Itoa(s.BreakerThreshold)
	f.breakerCooldown = s.BreakerCooldown.String()

	f.notify = nil
	n := s.Notifications
	for v, on := range map[string]bool{
		notifyComplete: n.OnTaskComplete,
		notifyFailure:  n.OnTaskFailure,
		notifyAnomaly:  n.OnAnomaly,
		notifyStatus:   n.OnStatusChange,
	} {
		if on {
			f.notify = append(f.notify, v)
		}
	}
	slices.Sort(f.notify)
}

func validateDuration(s string) error {
	_, err := time.ParseDuration(s)
	return err
}

func validateInt(s string) error {
	_, err := strconv.Atoi(s)
	return err
}

func validateFloat(s string) error {
	_, err := strconv.ParseFloat(s, 64)
	return err
}

func (m *SettingsPaneModel) buildForm() {
	f := m.fields
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global ("+m.globalPath+")", "global"),
					huh.NewOption("Project ("+m.projectPath+")", "project"),
				).
				Value(&f.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().Key("taskTimeout").Title("Task Timeout").
				Value(&f.taskTimeout).Placeholder("5m").Validate(validateDuration),
			huh.NewInput().Key("totalTimeout").Title("Total Timeout").
				Value(&f.totalTimeout).Placeholder("1h").Validate(validateDuration),
			huh.NewInput().Key("maxRetries").Title("Max Retries").
				Value(&f.maxRetries).Placeholder("3").Validate(validateInt),
			huh.NewInput().Key("retryDelay").Title("Retry Delay").
				Value(&f.retryDelay).Placeholder("5s").Validate(validateDuration),
			huh.NewInput().Key("maxConcurrent").Title("Max Concurrent Tasks").
				Value(&f.maxConcurrent).Placeholder("3").Validate(validateInt),
		).Title("Execution"),

		huh.NewGroup(
			huh.NewInput().Key("minQualityScore").Title("Min Quality Score").
				Value(&f.minQualityScore).Placeholder("70").Validate(validateFloat),
			huh.NewInput().Key("minTestCoverage").Title("Min Test Coverage").
				Value(&f.minTestCoverage).Placeholder("80").Validate(validateFloat),
			huh.NewInput().Key("breakerThreshold").Title("Breaker Threshold (0 = off)").
				Value(&f.breakerThreshold).Placeholder("5").Validate(validateInt),
			huh.NewInput().Key("breakerCooldown").Title("Breaker Cooldown").
				Value(&f.breakerCooldown).Placeholder("30s").Validate(validateDuration),
		).Title("Quality & Resilience"),

		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Key("notify").
				Title("Forward To External Sinks").
				Options(
					huh.NewOption("Task completed", notifyComplete),
					huh.NewOption("Task failed", notifyFailure),
					huh.NewOption("Anomaly alerts", notifyAnomaly),
					huh.NewOption("Status changes", notifyStatus),
				).
				Value(&f.notify),
		).Title("Notifications"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}
	return m, cmd
}

// save validates the form values and writes the config to the chosen path.
// The config is left untouched when validation fails.
func (m *SettingsPaneModel) save() error {
	s, err := m.supervision()
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.config.Supervision = s

	target := m.globalPath
	if m.fields.saveTarget == "project" {
		target = m.projectPath
	}
	return config.Save(m.config, target)
}

// supervision parses the form values over the current settings.
func (m *SettingsPaneModel) supervision() (config.SupervisionConfig, error) {
	f := m.fields
	s := m.config.Supervision
	var err error

	durations := []struct {
		field string
		in    string
		out   *time.Duration
	}{
		{"task_timeout", f.taskTimeout, &s.TaskTimeout},
		{"total_timeout", f.totalTimeout, &s.TotalTimeout},
		{"retry_delay", f.retryDelay, &s.RetryDelay},
		{"breaker_cooldown", f.breakerCooldown, &s.BreakerCooldown},
	}
	for _, d := range durations {
		if *d.out, err = time.ParseDuration(d.in); err != nil {
			return s, fmt.Errorf("%s: %w", d.field, err)
		}
	}

	ints := []struct {
		field string
		in    string
		out   *int
	}{
		{"max_retries", f.maxRetries, &s.MaxRetries},
		{"max_concurrent_tasks", f.maxConcurrent, &s.MaxConcurrentTasks},
		{"breaker_threshold", f.breakerThreshold, &s.BreakerThreshold},
	}
	for _, i := range ints {
		if *i.out, err = strconv.Atoi(i.in); err != nil {
			return s, fmt.Errorf("%s: %w", i.field, err)
		}
	}

	if s.MinQualityScore, err = strconv.ParseFloat(f.minQualityScore, 64); err != nil {
		return s, fmt.Errorf("min_quality_score: %w", err)
	}
	if s.MinTestCoverage, err = strconv.ParseFloat(f.minTestCoverage, 64); err != nil {
		return s, fmt.Errorf("min_test_coverage: %w", err)
	}

	s.Notifications = config.NotificationsConfig{
		OnTaskComplete: slices.Contains(f.notify, notifyComplete),
		OnTaskFailure:  slices.Contains(f.notify, notifyFailure),
		OnAnomaly:      slices.Contains(f.notify, notifyAnomaly),
		OnStatusChange: slices.Contains(f.notify, notifyStatus),
	}
	return s, nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err)) +
			"\n\n" + StyleHelp.Render("esc: close")
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil && w > 8 && h > 8 {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the pane. Showing it reloads the form from the config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
		m.SetSize(m.width, m.height)
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
