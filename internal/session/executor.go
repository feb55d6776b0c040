package session

import (
	"context"
	"time"

	"github.com/taskvisor/taskvisor/internal/task"
)

// WorkOrder is the instruction handed to an Executor for one attempt.
type WorkOrder struct {
	SessionID      string           `json:"session_id"`
	TaskID         string           `json:"task_id"`
	RequirementID  string           `json:"requirement_id"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Category       task.Category    `json:"category"`
	Attempt        int              `json:"attempt"`
	MaxRetries     int              `json:"max_retries"`
	PreviousErrors []ExecutionError `json:"previous_errors,omitempty"`
	Deadline       time.Time        `json:"deadline"`

	// Progress lets the executor report partial completion (0..1).
	Progress func(fraction float64, message string) `json:"-"`
}

// NewWorkOrder builds the work order for the next attempt of s.
func NewWorkOrder(s *Session, t *task.Task, deadline time.Time) WorkOrder {
	return WorkOrder{
		SessionID:      s.ID,
		TaskID:         t.ID,
		RequirementID:  t.RequirementID,
		Name:           t.Name,
		Description:    t.Description,
		Category:       t.Category,
		Attempt:        len(s.Attempts) + 1,
		MaxRetries:     s.MaxRetries,
		PreviousErrors: append([]ExecutionError(nil), s.Errors...),
		Deadline:       deadline,
	}
}

// Executor performs a task's work. Implementations must honor ctx cancellation.
// A returned *ExecutionError controls retry eligibility; any other error is
// treated as a recoverable unknown failure.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, order WorkOrder) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *task.Task, order WorkOrder) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task, order WorkOrder) (*Result, error) {
	return f(ctx, t, order)
}

// QualityChecker scores the artifacts of a completed task.
// An error means "no quality signal", never a task failure.
type QualityChecker interface {
	Check(ctx context.Context, artifacts []string) (*QualityReport, error)
}
