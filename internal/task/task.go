package task

import (
	"fmt"
	"slices"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"     // Waiting to be admitted
	StatusInProgress Status = "in_progress" // A session is executing it
	StatusDone       Status = "done"        // Finished successfully
	StatusFailed     Status = "failed"      // Finished with a terminal error
	StatusBlocked    Status = "blocked"     // Parked by an operator; never set by the engine
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusDone, StatusFailed, StatusBlocked}

// Category determines which implicit dependency rules apply to a task.
type Category string

const (
	CategoryFrontend   Category = "frontend"
	CategoryBackend    Category = "backend"
	CategoryTesting    Category = "testing"
	CategoryDeployment Category = "deployment"
)

// Priority orders tasks for humans. The scheduler ignores it.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Assignment records who is currently working on a task.
type Assignment string

const (
	AssignUnassigned Assignment = "unassigned"
	AssignAutomated  Assignment = "automated"
	AssignHuman      Assignment = "human"
)

// Task represents a unit of decomposed work.
type Task struct {
	ID             string     `json:"id" yaml:"id"`
	RequirementID  string     `json:"requirement_id" yaml:"requirement_id"`
	Name           string     `json:"name" yaml:"name"`
	Description    string     `json:"description,omitempty" yaml:"description,omitempty"`
	Category       Category   `json:"category" yaml:"category"`
	Status         Status     `json:"status" yaml:"status"`
	Priority       Priority   `json:"priority" yaml:"priority"`
	EstimatedHours float64    `json:"estimated_hours" yaml:"estimated_hours"`
	ActualHours    float64    `json:"actual_hours" yaml:"actual_hours"`
	Dependencies   []string   `json:"dependencies" yaml:"dependencies"`
	Assignment     Assignment `json:"assignment" yaml:"assignment"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Normalize fills zero-valued enum fields with their defaults and
// removes duplicate dependency IDs, keeping first occurrence order.
func (t *Task) Normalize() {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityP1
	}
	if t.Assignment == "" {
		t.Assignment = AssignUnassigned
	}
	if len(t.Dependencies) > 1 {
		seen := make(map[string]bool, len(t.Dependencies))
		deps := t.Dependencies[:0]
		for _, id := range t.Dependencies {
			if !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}
		t.Dependencies = deps
	}
}

// Validate checks that the task carries an ID and known enum values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has empty id")
	}
	if _, err := ParseCategory(string(t.Category)); err != nil {
		return fmt.Errorf("task %q: %w", t.ID, err)
	}
	if _, err := ParseStatus(string(t.Status)); err != nil {
		return fmt.Errorf("task %q: %w", t.ID, err)
	}
	switch t.Priority {
	case PriorityP0, PriorityP1, PriorityP2:
	default:
		return fmt.Errorf("task %q: unknown priority %q", t.ID, t.Priority)
	}
	switch t.Assignment {
	case AssignUnassigned, AssignAutomated, AssignHuman:
	default:
		return fmt.Errorf("task %q: unknown assignment %q", t.ID, t.Assignment)
	}
	if t.EstimatedHours < 0 || t.ActualHours < 0 {
		return fmt.Errorf("task %q: effort must not be negative", t.ID)
	}
	return nil
}

// HasDependency reports whether id is in the dependency set.
func (t *Task) HasDependency(id string) bool {
	return slices.Contains(t.Dependencies, id)
}

// AddDependency adds id to the dependency set. Returns false if it was already present.
func (t *Task) AddDependency(id string) bool {
	if t.HasDependency(id) {
		return false
	}
	t.Dependencies = append(t.Dependencies, id)
	return true
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}

// CloneAll deep-copies a slice of tasks.
func CloneAll(tasks []*Task) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if slices.Contains(Statuses, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryFrontend, CategoryBackend, CategoryTesting, CategoryDeployment:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// IsImplementation reports whether the category produces code that tests cover.
func (c Category) IsImplementation() bool {
	return c == CategoryFrontend || c == CategoryBackend
}
