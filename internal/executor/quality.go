package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskvisor/taskvisor/internal/session"
)

// CommandQualityChecker implements session.QualityChecker with a shell
// command that reads the artifact list as JSON on stdin and prints a
// QualityReport on stdout.
type CommandQualityChecker struct {
	shell   string
	command string
	pm      *ProcessManager
}

// NewCommandQualityChecker creates a checker. shell defaults to "sh".
func NewCommandQualityChecker(shell, command string, pm *ProcessManager) *CommandQualityChecker {
	if shell == "" {
		shell = "sh"
	}
	return &CommandQualityChecker{shell: shell, command: command, pm: pm}
}

// Check runs the quality command. Any failure means no quality signal.
func (c *CommandQualityChecker) Check(ctx context.Context, artifacts []string) (*session.QualityReport, error) {
	if artifacts == nil {
		artifacts = []string{}
	}
	stdin, err := json.Marshal(artifacts)
	if err != nil {
		return nil, err
	}

	stdout, _, err := executeCommand(newCommand(ctx, c.shell, c.command), stdin, c.pm, nil)
	if err != nil {
		return nil, err
	}

	var report session.QualityReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &report); err != nil {
		return nil, fmt.Errorf("decoding quality report: %w", err)
	}
	if report.Score < 0 || report.Score > 100 {
		return nil, fmt.Errorf("quality score %v out of range", report.Score)
	}
	return &report, nil
}
