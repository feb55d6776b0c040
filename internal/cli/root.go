// Package cli provides the command-line interface for taskvisor.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/config"
	"github.com/taskvisor/taskvisor/internal/logger"
	"github.com/taskvisor/taskvisor/internal/persistence"
)

// app holds what every command shares: flags, the loaded config and the logger.
type app struct {
	cfgFile string
	dbPath  string
	logFile string
	verbose bool

	cfg         *config.Config
	globalPath  string
	projectPath string
	logger      *zap.Logger
	closeLog    func()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{closeLog: func() {}}

	rootCmd := &cobra.Command{
		Use:   "taskvisor",
		Short: "Dependency-aware task execution supervisor",
		Long: `Taskvisor orders a set of tasks by their dependencies and supervises
their execution: concurrency limits, timeouts, retries, quality gates and
anomaly detection, with state kept in SQLite.

Tasks are read from a YAML file:

  tasks:
    - id: api
      requirement_id: REQ-1
      name: Build API
      category: backend
    - id: api-tests
      requirement_id: REQ-1
      name: Test API
      category: testing

Each category is executed by the shell command configured under
executor.commands.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
			a.closeLog()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is .taskvisor/config.yaml over ~/.taskvisor/config.yaml)")
	flags.StringVar(&a.dbPath, "db", "", "SQLite database path (default from store.path)")
	flags.StringVar(&a.logFile, "log-file", "", "write logs to this file instead of stderr")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newPlanCmd(a),
		newRunCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) init(cmd *cobra.Command) error {
	a.projectPath = config.ProjectPath()
	if a.cfgFile != "" {
		a.projectPath = a.cfgFile
	}
	if global, err := config.GlobalPath(); err == nil {
		a.globalPath = global
	}

	cfg, err := config.Load(a.globalPath, a.projectPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.dbPath == "" {
		a.dbPath = cfg.Store.Path
	}

	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	var w io.Writer = cmd.ErrOrStderr()
	if a.logFile != "" {
		f, err := openLogFile(a.logFile)
		if err != nil {
			return err
		}
		w = f
		a.closeLog = func() { f.Close() }
	}
	a.logger = logger.NewWithWriter(w, level, cfg.Log.Format)
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func (a *app) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := persistence.NewSQLiteStore(ctx, a.dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", a.dbPath, err)
	}
	return store, nil
}
