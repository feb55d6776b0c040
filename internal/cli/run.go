package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/executor"
	"github.com/taskvisor/taskvisor/internal/logger"
	"github.com/taskvisor/taskvisor/internal/metrics"
	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/supervisor"
	"github.com/taskvisor/taskvisor/internal/task"
	"github.com/taskvisor/taskvisor/internal/tui"
)

type runOptions struct {
	metricsAddr string
	natsURL     string
	dashboard   bool
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run [tasks.yaml]",
		Short: "Execute tasks under supervision",
		Long: `Run executes every pending task whose dependencies are done, in
dependency order, until nothing more can make progress.

With a task file the tasks are loaded from it and stored; without one the
tasks already in the database are resumed. Tasks left in progress by an
interrupted run start over.

Examples:
  taskvisor run tasks.yaml
  taskvisor run --tui
  taskvisor run tasks.yaml --metrics-addr :9090 --nats nats://127.0.0.1:4222`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Logs would tear the dashboard; send them to a file next to the database.
			if o.dashboard && a.logFile == "" {
				f, err := openLogFile(filepath.Join(filepath.Dir(a.dbPath), "taskvisor.log"))
				if err != nil {
					return err
				}
				a.closeLog = func() { f.Close() }
				level := a.cfg.Log.Level
				if a.verbose {
					level = "debug"
				}
				a.logger = logger.NewWithWriter(f, level, a.cfg.Log.Format)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args, o)
		},
	}

	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default from metrics.addr)")
	cmd.Flags().StringVar(&o.natsURL, "nats", "", "publish events to this NATS server (default from events.nats_url)")
	cmd.Flags().BoolVar(&o.dashboard, "tui", false, "show the live dashboard")
	return cmd
}

func (a *app) run(cmd *cobra.Command, args []string, o runOptions) error {
	ctx := cmd.Context()
	cfg := a.cfg
	log := a.logger

	if o.metricsAddr == "" {
		o.metricsAddr = cfg.Metrics.Addr
	}
	if o.natsURL == "" {
		o.natsURL = cfg.Events.NATSURL
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := a.loadTasks(ctx, store, args)
	if err != nil {
		return err
	}
	if err := store.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	rules := cfg.AnomalyRules()
	if err := store.SaveRules(ctx, rules); err != nil {
		return err
	}

	bus := events.NewBroadcaster(log, cfg.Events.Recent)
	defer bus.Close()

	if o.natsURL != "" {
		n := cfg.Supervision.Notifications
		sink, err := events.NewNATSSink(o.natsURL, cfg.Events.SubjectPrefix, events.Notifications{
			OnTaskComplete: n.OnTaskComplete,
			OnTaskFailure:  n.OnTaskFailure,
			OnAnomaly:      n.OnAnomaly,
			OnStatusChange: n.OnStatusChange,
		}, log)
		if err != nil {
			return err
		}
		defer sink.Close()
		defer bus.Subscribe(sink)()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if o.metricsAddr != "" {
		server := metrics.Serve(o.metricsAddr, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", zap.String("addr", o.metricsAddr))
	}

	pm := executor.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Warn("killing leftover processes", zap.Error(err))
		}
	}()
	exec, err := executor.NewCommandExecutor(cfg.Executor.Shell, cfg.Executor.Commands, pm, log)
	if err != nil {
		return err
	}
	var quality session.QualityChecker
	if cfg.Executor.QualityCommand != "" {
		quality = executor.NewCommandQualityChecker(cfg.Executor.Shell, cfg.Executor.QualityCommand, pm)
	}

	sup, err := supervisor.New(tasks, supervisor.Options{
		Config:   cfg.Supervision,
		Rules:    rules,
		Executor: exec,
		Quality:  quality,
		Events:   bus,
		Store:    store,
		Metrics:  m,
		Logger:   log,
		OnEscalate: func(f anomaly.Finding, e anomaly.EscalateAction) {
			log.Warn("escalation",
				zap.String("target", e.Target),
				zap.String("rule", f.RuleID),
				zap.String("task", f.TaskID),
				zap.String("message", f.Message),
				zap.String("note", e.Message))
		},
	})
	if err != nil {
		return err
	}
	defer sup.Close()

	if o.natsURL != "" {
		responder, err := events.NewCancelResponder(o.natsURL, cfg.Events.SubjectPrefix, sup.Cancel, log)
		if err != nil {
			return err
		}
		defer responder.Close()
	}

	if o.dashboard {
		err = a.runWithDashboard(ctx, sup, bus)
	} else {
		err = sup.Run(ctx)
	}

	snap := sup.Snapshot()
	if renderErr := snap.Render(cmd.OutOrStdout()); renderErr != nil {
		return renderErr
	}
	switch {
	case errors.Is(err, supervisor.ErrTotalTimeout):
		return fmt.Errorf("run stopped: %w", err)
	case errors.Is(err, context.Canceled):
		log.Info("run interrupted")
		return nil
	}
	return err
}

// runWithDashboard runs the supervisor behind the TUI. Quitting the TUI
// stops the run; the TUI stays up after the run finishes until the user quits.
func (a *app) runWithDashboard(ctx context.Context, sup *supervisor.Supervisor, bus *events.Broadcaster) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, unsubscribe := bus.SubscribeChan(1024)
	defer unsubscribe()

	model := tui.New(sub, tui.Options{Config: a.cfg, GlobalPath: a.globalPath, ProjectPath: a.projectPath})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-runErr
		return fmt.Errorf("dashboard: %w", err)
	}
	cancel()
	return <-runErr
}

// loadTasks reads the task file when given, otherwise the stored tasks.
func (a *app) loadTasks(ctx context.Context, store taskLister, args []string) ([]*task.Task, error) {
	if len(args) == 1 {
		return task.LoadFile(args[0], time.Now().UTC())
	}
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks in %s; pass a task file or run 'taskvisor plan <file> --save'", a.dbPath)
	}
	return tasks, nil
}

type taskLister interface {
	ListTasks(ctx context.Context) ([]*task.Task, error)
}
