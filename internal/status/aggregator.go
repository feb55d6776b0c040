package status

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/task"
)

// Health is the overall classification of a supervision run.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// criticalFailureRatio: more failed tasks than this fraction of done tasks is critical.
const criticalFailureRatio = 0.3

// Snapshot is a point-in-time summary of all tasks and sessions.
type Snapshot struct {
	Counts             map[task.Status]int `json:"counts"`
	Total              int                 `json:"total"`
	ActiveSessions     []string            `json:"active_sessions"`
	AverageDuration    time.Duration       `json:"average_duration"`
	EstimatedRemaining time.Duration       `json:"estimated_remaining"`
	AverageQuality     float64             `json:"average_quality"`
	QualityReports     int                 `json:"quality_reports"` // Sessions contributing to AverageQuality
	TotalIssues        int                 `json:"total_issues"`
	Health             Health              `json:"health"`
	GeneratedAt        time.Time           `json:"generated_at"`
}

// Aggregate derives a Snapshot from tasks and sessions. It is a pure function.
func Aggregate(tasks []*task.Task, sessions []*session.Session, minQualityScore float64, now time.Time) Snapshot {
	snap := Snapshot{
		Counts:         make(map[task.Status]int, len(task.Statuses)),
		Total:          len(tasks),
		ActiveSessions: []string{},
		GeneratedAt:    now,
	}
	for _, st := range task.Statuses {
		snap.Counts[st] = 0
	}
	for _, t := range tasks {
		snap.Counts[t.Status]++
	}

	var (
		completed     int
		totalDuration time.Duration
		qualitySum    float64
	)
	for _, s := range sessions {
		if s.Status == session.StatusRunning {
			snap.ActiveSessions = append(snap.ActiveSessions, s.ID)
		}
		if s.Status == session.StatusCompleted {
			completed++
			totalDuration += s.Duration(now)
		}
		if s.Quality != nil {
			snap.QualityReports++
			qualitySum += s.Quality.Score
		}
		snap.TotalIssues += len(s.Errors)
	}
	sort.Strings(snap.ActiveSessions)

	if completed > 0 {
		snap.AverageDuration = totalDuration / time.Duration(completed)
	}
	snap.EstimatedRemaining = time.Duration(snap.Counts[task.StatusPending]) * snap.AverageDuration
	if snap.QualityReports > 0 {
		snap.AverageQuality = qualitySum / float64(snap.QualityReports)
	}

	snap.Health = classify(snap, minQualityScore)
	return snap
}

func classify(snap Snapshot, minQualityScore float64) Health {
	failed := float64(snap.Counts[task.StatusFailed])
	done := float64(snap.Counts[task.StatusDone])
	if failed > criticalFailureRatio*done {
		return HealthCritical
	}
	if snap.QualityReports > 0 && snap.AverageQuality < minQualityScore {
		return HealthDegraded
	}
	return HealthHealthy
}

// Progress is the percentage of tasks done.
func (s Snapshot) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Counts[task.StatusDone]) / float64(s.Total) * 100
}

// Render writes a human-readable dump of the snapshot.
func (s Snapshot) Render(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"Health:     %s\nProgress:   %.0f%% (%d/%d done)\nTasks:      pending=%d in_progress=%d done=%d failed=%d blocked=%d\n"+
			"Active:     %d sessions\nAvg task:   %s\nRemaining:  %s\nQuality:    %s\nIssues:     %d\nGenerated:  %s\n",
		s.Health,
		s.Progress(), s.Counts[task.StatusDone], s.Total,
		s.Counts[task.StatusPending], s.Counts[task.StatusInProgress], s.Counts[task.StatusDone],
		s.Counts[task.StatusFailed], s.Counts[task.StatusBlocked],
		len(s.ActiveSessions),
		s.AverageDuration.Round(time.Second),
		s.EstimatedRemaining.Round(time.Second),
		s.qualityString(),
		s.TotalIssues,
		s.GeneratedAt.Format(time.RFC3339),
	)
	return err
}

func (s Snapshot) qualityString() string {
	if s.QualityReports == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f (%d reports)", s.AverageQuality, s.QualityReports)
}
