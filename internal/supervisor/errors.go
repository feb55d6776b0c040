package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownSession = errors.New("unknown session")
	ErrClosed         = errors.New("supervisor closed")

	// ErrTotalTimeout is the cancellation cause when a run exceeds TotalTimeout.
	ErrTotalTimeout = errors.New("total timeout exceeded")
)

// DependencyNotSatisfiedError is returned by Start when a dependency of the
// task is not done. No session is created.
type DependencyNotSatisfiedError struct {
	TaskID  string
	Pending []string // Dependencies not yet done, in declaration order
}

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %q has unsatisfied dependencies: %s", e.TaskID, strings.Join(e.Pending, ", "))
}
