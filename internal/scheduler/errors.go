package scheduler

import (
	"fmt"
	"strings"
)

// CycleError is returned when the dependency graph is not acyclic.
// IDs lists every task that could not be placed in the order.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among %d tasks: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// MissingDependencyError is returned when a task depends on an unknown task.
type MissingDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DependencyID)
}
