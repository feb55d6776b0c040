package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/task"
)

// ErrRunning is returned when Run is called while another Run is active.
var ErrRunning = errors.New("supervisor already running")

// Run starts ready tasks in topological order until no task can make
// progress, then returns. Completion order is not guaranteed. When the run
// exceeds TotalTimeout every live session expires and Run returns
// ErrTotalTimeout. Failed tasks never fail the run; their dependents stay
// pending.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	deadline := s.clock.Now().Add(s.cfg.TotalTimeout)
	s.runDeadline = deadline
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.runDeadline = time.Time{}
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.logger.Info("run started", zap.Int("tasks", len(s.Tasks())), zap.Duration("total_timeout", s.cfg.TotalTimeout))

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(finished)
		return s.dispatch(runCtx)
	})
	g.Go(func() error {
		select {
		case <-finished:
		case <-gctx.Done():
		case <-s.clock.After(s.cfg.TotalTimeout):
			s.logger.Warn("total timeout exceeded", zap.Duration("total_timeout", s.cfg.TotalTimeout))
			cancel(ErrTotalTimeout)
		}
		return nil
	})
	err := g.Wait()
	if err == nil && !s.clock.Now().Before(deadline) {
		// The last sessions expired on their own deadline before the watchdog fired.
		err = ErrTotalTimeout
	}

	snap := s.Snapshot()
	s.bus.Publish(events.SystemStatusEvent{Snapshot: snap})
	s.logger.Info("run finished",
		zap.Int("done", snap.Counts[task.StatusDone]),
		zap.Int("failed", snap.Counts[task.StatusFailed]),
		zap.Int("pending", snap.Counts[task.StatusPending]),
		zap.String("health", string(snap.Health)))
	return err
}

// dispatch admits every ready task, then sleeps until some state changes.
// It returns once nothing is ready and no session is live, or when ctx is
// done and the sessions it started have wound down.
func (s *Supervisor) dispatch(ctx context.Context) error {
	var started sync.WaitGroup
	for {
		if ctx.Err() != nil {
			started.Wait()
			if cause := context.Cause(ctx); errors.Is(cause, ErrTotalTimeout) {
				return ErrTotalTimeout
			}
			return ctx.Err()
		}

		s.mu.Lock()
		ready := s.readyLocked()
		idle := len(ready) == 0 && s.live == 0
		s.mu.Unlock()
		if idle {
			return nil
		}

		for _, id := range ready {
			started.Add(1)
			if _, err := s.start(ctx, id, started.Done); err != nil {
				started.Done()
				if errors.Is(err, ErrClosed) {
					started.Wait()
					return err
				}
				// Lost a race with an explicit Start, or the graph changed.
				s.logger.Debug("task not admitted", zap.String("task", id), zap.Error(err))
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
		}
	}
}

// readyLocked lists pending tasks with every dependency done, in
// topological order, skipping tasks the caller cancelled.
func (s *Supervisor) readyLocked() []string {
	ids := s.graph.Ready(func(id string) task.Status {
		return s.tasks[id].Status
	})
	ready := ids[:0]
	for _, id := range ids {
		if !s.held[id] {
			ready = append(ready, id)
		}
	}
	return ready
}
