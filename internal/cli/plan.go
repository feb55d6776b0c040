package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/scheduler"
	"github.com/taskvisor/taskvisor/internal/task"
)

func newPlanCmd(a *app) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "plan <tasks.yaml>",
		Short: "Show the execution order of a task file",
		Long: `Plan loads a task file, adds the implicit dependencies (testing after
implementation, deployment after everything else of the same requirement)
and prints the execution order, the readiness tiers and which tasks each
task blocks. Tasks in the same tier can run concurrently.

Examples:
  taskvisor plan tasks.yaml
  taskvisor plan tasks.yaml --save`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := task.LoadFile(args[0], time.Now().UTC())
			if err != nil {
				return err
			}
			g, err := scheduler.Build(tasks)
			if err != nil {
				return err
			}
			if err := printPlan(cmd.OutOrStdout(), g); err != nil {
				return err
			}

			if !save {
				return nil
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveTasks(cmd.Context(), g.Tasks()); err != nil {
				return err
			}
			a.logger.Info("tasks saved", zap.Int("tasks", g.Len()), zap.String("db", a.dbPath))
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the tasks, with implicit dependencies, in the database")
	return cmd
}

func printPlan(w io.Writer, g *scheduler.Graph) error {
	fmt.Fprintf(w, "Order (%d tasks):\n", g.Len())
	for i, id := range g.Order() {
		t, _ := g.Get(id)
		line := fmt.Sprintf("  %2d. %-20s %-10s %s", i+1, id, t.Category, t.Name)
		if len(t.Dependencies) > 0 {
			line += "  <- " + strings.Join(t.Dependencies, ", ")
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, "\nTiers:")
	for i, level := range g.Levels() {
		fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(level, ", "))
	}

	fmt.Fprintln(w, "\nBlocks:")
	for _, id := range g.Order() {
		if dependents := g.Dependents(id); len(dependents) > 0 {
			fmt.Fprintf(w, "  %s -> %s\n", id, strings.Join(dependents, ", "))
		}
	}

	var implicit int
	for _, e := range g.Edges() {
		if e.Implicit {
			implicit++
		}
	}
	_, err := fmt.Fprintf(w, "\n%d dependencies, %d implicit\n", len(g.Edges()), implicit)
	return err
}
