package cli

import (
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/tui"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		natsURL string
		plain   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a run from another process",
		Long: `Watch subscribes to the events a 'taskvisor run' publishes over NATS
and shows them in the dashboard, or as one line per event with --plain.
Only events allowed by the run's notification settings are published.

Examples:
  taskvisor watch
  taskvisor watch --nats nats://127.0.0.1:4222 --plain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				natsURL = a.cfg.Events.NATSURL
			}
			if natsURL == "" {
				return errors.New("watch needs a NATS server: set events.nats_url or pass --nats")
			}

			src, err := events.NewNATSSource(natsURL, a.cfg.Events.SubjectPrefix, 1024, a.logger)
			if err != nil {
				return err
			}
			defer src.Close()

			if plain {
				return printEvents(cmd, src.Events())
			}

			model := tui.New(src.Events(), tui.Options{Config: a.cfg, GlobalPath: a.globalPath, ProjectPath: a.projectPath})
			_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server the run publishes to (default from events.nats_url)")
	cmd.Flags().BoolVar(&plain, "plain", false, "print events as text instead of the dashboard")
	return cmd
}

// printEvents writes one line per event until the context is done.
func printEvents(cmd *cobra.Command, ch <-chan events.Event) error {
	w := cmd.OutOrStdout()
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := printEvent(w, e); err != nil {
				return err
			}
		}
	}
}

func printEvent(w io.Writer, e events.Event) error {
	var detail string
	switch e := e.(type) {
	case events.TaskStartedEvent:
		detail = fmt.Sprintf("attempt %d of %s", e.Attempt, e.Name)
	case events.TaskProgressEvent:
		detail = fmt.Sprintf("%.0f%% %s", e.Fraction*100, e.Message)
	case events.TaskCompletedEvent:
		detail = fmt.Sprintf("after %d attempt(s) in %v", e.Attempts, e.Duration)
	case events.TaskFailedEvent:
		detail = string(e.Status)
		if e.Err != nil {
			detail += ": " + e.Err.Error()
		}
	case events.SessionUpdateEvent:
		detail = fmt.Sprintf("session %s %s", shortID(e.SessionID), e.Status)
	case events.ErrorDetectedEvent:
		detail = e.Err.Error()
		if e.WillRetry {
			detail += fmt.Sprintf(" (retry in %v)", e.RetryIn)
		}
	case events.QualityAlertEvent:
		detail = fmt.Sprintf("%s [%s] %s", e.RuleID, e.Severity, e.Message)
	case events.SystemStatusEvent:
		detail = fmt.Sprintf("%s, %.0f%% done", e.Snapshot.Health, e.Snapshot.Progress())
	}
	_, err := fmt.Fprintf(w, "%s %-15s %-12s %s\n", e.Time().Format("15:04:05"), e.Kind(), e.TaskID(), detail)
	return err
}
