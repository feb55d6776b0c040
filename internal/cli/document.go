package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/persistence"
)

func newExportCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tasks, sessions, rules and config as JSON",
		Long: `Export writes the full supervision state as one JSON document, to
stdout or to --output. The document can be loaded into another database
with 'taskvisor import'.

Examples:
  taskvisor export > state.json
  taskvisor export -o state.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := store.Export(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := persistence.WriteDocument(w, doc); err != nil {
				return err
			}
			a.logger.Info("exported",
				zap.Int("tasks", len(doc.Tasks)),
				zap.Int("sessions", len(doc.Sessions)),
				zap.Int("rules", len(doc.Rules)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <state.json>",
		Short: "Import a document produced by export",
		Long: `Import validates a document produced by 'taskvisor export' and
replaces the tasks, sessions and rules in the database with its contents.
The stored config is replaced when the document carries one.

Use "-" to read from stdin.

Examples:
  taskvisor import state.json
  taskvisor --db other.db import state.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}
			doc, err := persistence.ReadDocument(r)
			if err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Import(cmd.Context(), doc); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d tasks, %d sessions, %d rules\n",
				len(doc.Tasks), len(doc.Sessions), len(doc.Rules))
			return err
		},
	}
	return cmd
}
