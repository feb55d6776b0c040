// Package executor runs tasks as shell commands. The work order is written
// to the command's stdin as JSON and the result is read from stdout.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/task"
)

// Exit codes with a fixed meaning. Any other non-zero exit is a
// recoverable runtime error.
const (
	ExitSyntax      = 65  // Malformed input or generated code that will not build
	ExitAPI         = 75  // Temporary upstream failure
	ExitNotRunnable = 126 // Command found but not executable
	ExitNotFound    = 127 // Command not found
)

// Response is the optional structured form of a command's stdout.
// A bare session.Result is accepted as well.
type Response struct {
	Result *session.Result         `json:"result,omitempty"`
	Error  *session.ExecutionError `json:"error,omitempty"`
}

// CommandExecutor implements session.Executor by running a per-category shell command.
type CommandExecutor struct {
	shell    string
	commands map[task.Category]string
	pm       *ProcessManager
	logger   *zap.Logger
}

// NewCommandExecutor creates an executor. commands maps category names to
// command lines; shell defaults to "sh". pm may be nil.
func NewCommandExecutor(shell string, commands map[string]string, pm *ProcessManager, logger *zap.Logger) (*CommandExecutor, error) {
	if shell == "" {
		shell = "sh"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byCategory := make(map[task.Category]string, len(commands))
	for name, line := range commands {
		c, err := task.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			return nil, fmt.Errorf("empty command for category %s", c)
		}
		byCategory[c] = line
	}
	return &CommandExecutor{
		shell:    shell,
		commands: byCategory,
		pm:       pm,
		logger:   logger.Named("executor"),
	}, nil
}

// Execute runs the command for t's category.
func (e *CommandExecutor) Execute(ctx context.Context, t *task.Task, order session.WorkOrder) (*session.Result, error) {
	line, ok := e.commands[t.Category]
	if !ok {
		return nil, session.NewExecutionError(session.KindRuntime, false, "no command configured for category %s", t.Category)
	}

	stdin, err := json.Marshal(order)
	if err != nil {
		return nil, session.NewExecutionError(session.KindUnknown, false, "encoding work order: %v", err)
	}

	cmd := newCommand(ctx, e.shell, line)
	cmd.Env = append(os.Environ(),
		"TASKVISOR_TASK_ID="+t.ID,
		"TASKVISOR_SESSION_ID="+order.SessionID,
		"TASKVISOR_CATEGORY="+string(t.Category),
		"TASKVISOR_ATTEMPT="+strconv.Itoa(order.Attempt),
	)

	e.logger.Debug("running task command",
		zap.String("task_id", t.ID),
		zap.Int("attempt", order.Attempt),
		zap.String("command", line))

	stdout, _, runErr := executeCommand(cmd, stdin, e.pm, order.Progress)
	resp, decodeErr := decodeResponse(stdout)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancellation and deadline are reported as-is so the caller can tell them apart.
			return nil, ctxErr
		}
		if decodeErr == nil && resp.Error != nil {
			return nil, resp.Error
		}
		return nil, classifyExit(runErr)
	}

	if decodeErr != nil {
		return nil, session.NewExecutionError(session.KindSyntax, true, "invalid result output: %v", decodeErr)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func decodeResponse(stdout []byte) (*Response, error) {
	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 {
		return &Response{Result: &session.Result{}}, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(stdout, &probe); err != nil {
		// Plain text output is kept verbatim.
		return &Response{Result: &session.Result{Output: string(stdout)}}, nil
	}

	_, hasResult := probe["result"]
	_, hasError := probe["error"]
	if hasResult || hasError {
		var resp Response
		if err := json.Unmarshal(stdout, &resp); err != nil {
			return nil, err
		}
		if resp.Result == nil && resp.Error == nil {
			return nil, errors.New("response carries neither result nor error")
		}
		return &resp, nil
	}

	var result session.Result
	if err := json.Unmarshal(stdout, &result); err != nil {
		return nil, err
	}
	return &Response{Result: &result}, nil
}

func classifyExit(err error) *session.ExecutionError {
	switch exitCode(err) {
	case ExitSyntax:
		return session.NewExecutionError(session.KindSyntax, false, "%v", err)
	case ExitAPI:
		return session.NewExecutionError(session.KindAPI, true, "%v", err)
	case ExitNotRunnable, ExitNotFound:
		return session.NewExecutionError(session.KindRuntime, false, "%v", err)
	case -1:
		return session.NewExecutionError(session.KindUnknown, true, "%v", err)
	default:
		return session.NewExecutionError(session.KindRuntime, true, "%v", err)
	}
}
