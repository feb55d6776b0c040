package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskvisor/taskvisor/internal/events"
)

func newCancelCmd(a *app) *cobra.Command {
	var (
		natsURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running session",
		Long: `Cancel asks the 'taskvisor run' process that owns the session to cancel
it. The request travels over NATS, so both processes need events.nats_url
(or --nats). Only running sessions can be cancelled; the task goes back to
pending and is not restarted by that run.

Examples:
  taskvisor cancel 3f2a9c1e-...
  taskvisor cancel 3f2a9c1e-... --nats nats://127.0.0.1:4222`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				natsURL = a.cfg.Events.NATSURL
			}
			if natsURL == "" {
				return errors.New("cancel needs a NATS server: set events.nats_url or pass --nats")
			}

			ctx, stop := context.WithTimeout(cmd.Context(), timeout)
			defer stop()
			if err := events.RequestCancel(ctx, natsURL, a.cfg.Events.SubjectPrefix, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "session %s cancelled\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server of the running supervisor (default from events.nats_url)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the reply")
	return cmd
}
