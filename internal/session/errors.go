package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	KindSyntax  ErrorKind = "syntax"
	KindRuntime ErrorKind = "runtime"
	KindTimeout ErrorKind = "timeout"
	KindAPI     ErrorKind = "api"
	KindUnknown ErrorKind = "unknown"
)

// ExecutionError is a failure reported by an Executor or raised by the supervisor.
// Recoverable errors are eligible for retry. APICalls is the number of calls
// the executor made before failing; zero counts as one.
type ExecutionError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	APICalls    int       `json:"api_calls,omitempty"`
	Attempt     int       `json:"attempt"`
	At          time.Time `json:"at"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// NewExecutionError creates an ExecutionError of the given kind.
func NewExecutionError(kind ErrorKind, recoverable bool, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}

// Classify converts any error into an ExecutionError.
// Errors that are not ExecutionErrors become recoverable unknown errors,
// except deadline expiry which becomes a non-recoverable timeout.
func Classify(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		cp := *execErr
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Kind: KindTimeout, Message: err.Error(), Recoverable: false}
	}
	return &ExecutionError{Kind: KindUnknown, Message: err.Error(), Recoverable: true}
}

// InvalidStateError is returned when an operation is not legal in the
// current state of a session or task.
type InvalidStateError struct {
	Entity string // "session" or "task"
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in state %s", e.Op, e.Entity, e.ID, e.State)
}
