package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/status"
	"github.com/taskvisor/taskvisor/internal/task"
)

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task and session status from the database",
		Long: `Status summarises the stored tasks and sessions: counts per status,
active sessions, average duration and quality, estimated time remaining
and overall health.

Examples:
  taskvisor status
  taskvisor status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			snap := status.Aggregate(tasks, sessions, a.cfg.Supervision.MinQualityScore, time.Now().UTC())

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			if err := snap.Render(cmd.OutOrStdout()); err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks, sessions)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the snapshot as JSON")
	return cmd
}

// printTasks lists each task with its latest session.
func printTasks(w io.Writer, tasks []*task.Task, sessions []*session.Session) error {
	latest := make(map[string]*session.Session, len(sessions))
	for _, s := range sessions {
		if prev, ok := latest[s.TaskID]; !ok || s.CreatedAt.After(prev.CreatedAt) {
			latest[s.TaskID] = s
		}
	}

	fmt.Fprintln(w)
	for _, t := range tasks {
		line := fmt.Sprintf("%s %-20s %-11s %s", statusIcon(t.Status), t.ID, t.Status, t.Name)
		if s, ok := latest[t.ID]; ok {
			line += fmt.Sprintf("  [session %s %s, retries %d]", shortID(s.ID), s.Status, s.RetryCount)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func statusIcon(s task.Status) string {
	switch s {
	case task.StatusDone:
		return "✓"
	case task.StatusInProgress:
		return "▶"
	case task.StatusFailed:
		return "✗"
	case task.StatusBlocked:
		return "■"
	default:
		return "○"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
