package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/config"
	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/metrics"
	"github.com/taskvisor/taskvisor/internal/persistence"
	"github.com/taskvisor/taskvisor/internal/scheduler"
	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/task"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at    time.Time
	d     time.Duration
	ch    chan time.Time
	fired bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &fakeTimer{at: c.now.Add(d), d: d, ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.fired && !t.at.After(c.now) {
			t.fired = true
			t.ch <- c.now
		}
	}
}

// waiting counts unfired timers created with duration d.
func (c *fakeClock) waiting(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && t.d == d {
			n++
		}
	}
	return n
}

type fakeExecutor struct {
	mu     sync.Mutex
	orders []session.WorkOrder
	fn     func(ctx context.Context, t *task.Task, order session.WorkOrder) (*session.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, t *task.Task, order session.WorkOrder) (*session.Result, error) {
	f.mu.Lock()
	f.orders = append(f.orders, order)
	f.mu.Unlock()
	return f.fn(ctx, t, order)
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeExecutor) Orders() []session.WorkOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.WorkOrder(nil), f.orders...)
}

func succeed(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
	return &session.Result{Output: "ok", APICalls: 1}, nil
}

// blockUntilCancelled signals started and waits for the attempt context.
func blockUntilCancelled(started chan<- string) func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
	return func(ctx context.Context, t *task.Task, _ session.WorkOrder) (*session.Result, error) {
		started <- t.ID
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type qualityFunc func(ctx context.Context, artifacts []string) (*session.QualityReport, error)

func (f qualityFunc) Check(ctx context.Context, artifacts []string) (*session.QualityReport, error) {
	return f(ctx, artifacts)
}

func newTask(id string, deps ...string) *task.Task {
	return &task.Task{
		ID:           id,
		Name:         "task " + id,
		Category:     task.CategoryBackend,
		Status:       task.StatusPending,
		Dependencies: deps,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func testConfig() config.SupervisionConfig {
	cfg := config.DefaultConfig().Supervision
	cfg.RetryDelay = 0
	cfg.BreakerThreshold = 0
	return cfg
}

// newTestSupervisor builds a supervisor with no anomaly rules, no implicit
// edges and a fake clock. mutate may adjust the options.
func newTestSupervisor(t *testing.T, tasks []*task.Task, exec session.Executor, mutate func(*Options)) (*Supervisor, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts := Options{
		Config:       testConfig(),
		Rules:        []anomaly.Rule{},
		Executor:     exec,
		Clock:        clk,
		Logger:       zaptest.NewLogger(t),
		GraphOptions: []scheduler.Option{scheduler.WithRules()},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(tasks, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// drain collects every buffered event without blocking.
func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Kind())
	}
	return out
}

func runWithTimeout(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestStartCompletesTask(t *testing.T) {
	var clk *fakeClock
	exec := &fakeExecutor{fn: func(_ context.Context, _ *task.Task, order session.WorkOrder) (*session.Result, error) {
		clk.Advance(10 * time.Minute)
		return &session.Result{Output: "built", Artifacts: []string{"main.go"}, APICalls: 2}, nil
	}}
	quality := qualityFunc(func(_ context.Context, artifacts []string) (*session.QualityReport, error) {
		assert.Equal(t, []string{"main.go"}, artifacts)
		return &session.QualityReport{Score: 85, Passed: true, Coverage: 90}, nil
	})
	s, c := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Quality = quality
		o.Metrics = metrics.New(prometheus.NewRegistry())
	})
	clk = c

	ch, unsub := s.Events().SubscribeChan(64)
	defer unsub()

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	sess, err := s.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, t0, sess.StartedAt)
	assert.Equal(t, t0.Add(10*time.Minute), sess.CompletedAt)
	assert.Equal(t, 2, sess.APICalls)
	require.Len(t, sess.Attempts, 1)
	assert.Equal(t, "ok", sess.Attempts[0].Outcome)
	require.NotNil(t, sess.Quality)
	assert.True(t, sess.Quality.GatePassed)
	assert.Equal(t, 2, sess.Transitions)

	tk, err := s.Task("a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, tk.Status)
	assert.Equal(t, task.AssignAutomated, tk.Assignment)
	assert.InDelta(t, 10.0/60.0, tk.ActualHours, 1e-9)

	assert.Equal(t, []events.Kind{
		events.KindSessionCreated,
		events.KindSessionUpdate,
		events.KindTaskStarted,
		events.KindTaskCompleted,
		events.KindSessionUpdate,
		events.KindSystemStatus,
	}, kinds(drain(ch)))
}

func TestStartDependencyNotSatisfied(t *testing.T) {
	exec := &fakeExecutor{fn: succeed}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a"), newTask("b", "a")}, exec, nil)

	_, err := s.Start(context.Background(), "b")
	var depErr *DependencyNotSatisfiedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "b", depErr.TaskID)
	assert.Equal(t, []string{"a"}, depErr.Pending)
	assert.Empty(t, s.Sessions(), "no session may be created")

	tk, _ := s.Task("b")
	assert.Equal(t, task.StatusPending, tk.Status)
}

func TestStartRejectsNonPendingTask(t *testing.T) {
	done := newTask("a")
	done.Status = task.StatusDone
	s, _ := newTestSupervisor(t, []*task.Task{done}, &fakeExecutor{fn: succeed}, nil)

	_, err := s.Start(context.Background(), "a")
	var stateErr *session.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "task", stateErr.Entity)

	_, err = s.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestNewResetsInterruptedTasks(t *testing.T) {
	a := newTask("a")
	a.Status = task.StatusInProgress
	a.Assignment = task.AssignAutomated
	s, _ := newTestSupervisor(t, []*task.Task{a}, &fakeExecutor{fn: succeed}, nil)

	tk, err := s.Task("a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, task.AssignUnassigned, tk.Assignment)
}

func TestRunRespectsDependencies(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := &fakeExecutor{fn: func(_ context.Context, t *task.Task, _ session.WorkOrder) (*session.Result, error) {
		mu.Lock()
		order = append(order, t.ID)
		mu.Unlock()
		return &session.Result{}, nil
	}}
	tasks := []*task.Task{newTask("d", "b", "c"), newTask("b", "a"), newTask("c", "a"), newTask("a")}
	s, _ := newTestSupervisor(t, tasks, exec, func(o *Options) {
		o.Metrics = metrics.New(prometheus.NewRegistry())
	})

	require.NoError(t, runWithTimeout(t, s))

	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:3])
	assert.Equal(t, "d", order[3])

	snap := s.Snapshot()
	assert.Equal(t, 4, snap.Counts[task.StatusDone])
	assert.Empty(t, snap.ActiveSessions)
}

func TestRetryUntilExhausted(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		return nil, session.NewExecutionError(session.KindAPI, true, "rate limited")
	}}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Config.MaxRetries = 2
	})
	ch, unsub := s.Events().SubscribeChan(64)
	defer unsub()

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 3, exec.Calls())
	for i, order := range exec.Orders() {
		assert.Equal(t, i+1, order.Attempt)
		assert.Len(t, order.PreviousErrors, i)
	}

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Equal(t, 2, sess.RetryCount)
	assert.Len(t, sess.Errors, 3)
	assert.Equal(t, 3, sess.APICalls)
	// run, retry, retry, fail
	assert.Equal(t, 4, sess.Transitions)

	tk, _ := s.Task("a")
	assert.Equal(t, task.StatusFailed, tk.Status)

	var willRetry []bool
	for _, e := range drain(ch) {
		if ed, ok := e.(events.ErrorDetectedEvent); ok {
			willRetry = append(willRetry, ed.WillRetry)
		}
	}
	assert.Equal(t, []bool{true, true, false}, willRetry)
}

func TestRetryThenSucceed(t *testing.T) {
	var n atomic.Int32
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		if n.Add(1) <= 2 {
			return nil, errors.New("connection reset")
		}
		return &session.Result{APICalls: 1}, nil
	}}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Config.MaxRetries = 2
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 2, sess.RetryCount)
	require.Len(t, sess.Errors, 2)
	assert.Equal(t, session.KindUnknown, sess.Errors[0].Kind, "plain errors are classified unknown")
	assert.Equal(t, []string{"unknown", "unknown", "ok"}, []string{
		sess.Attempts[0].Outcome, sess.Attempts[1].Outcome, sess.Attempts[2].Outcome,
	})
}

func TestNonRecoverableErrorIsNotRetried(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		return nil, session.NewExecutionError(session.KindSyntax, false, "unexpected token")
	}}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Config.MaxRetries = 3
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 1, exec.Calls())
	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Equal(t, 0, sess.RetryCount)
}

func TestRetryWaitsForDelay(t *testing.T) {
	var n atomic.Int32
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		if n.Add(1) == 1 {
			return nil, session.NewExecutionError(session.KindAPI, true, "rate limited")
		}
		return &session.Result{}, nil
	}}
	s, clk := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Config.RetryDelay = 5 * time.Second
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return clk.waiting(5*time.Second) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, exec.Calls())

	clk.Advance(5 * time.Second)
	s.Wait()

	assert.Equal(t, 2, exec.Calls())
	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, t0.Add(5*time.Second), sess.Attempts[1].StartedAt)
}

func TestTaskTimeout(t *testing.T) {
	started := make(chan string, 1)
	exec := &fakeExecutor{fn: blockUntilCancelled(started)}
	s, clk := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Config.TaskTimeout = time.Minute
		o.Config.MaxRetries = 3
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	<-started
	require.Eventually(t, func() bool { return clk.waiting(time.Minute) == 1 }, 5*time.Second, time.Millisecond)

	clk.Advance(time.Minute)
	s.Wait()

	assert.Equal(t, 1, exec.Calls(), "timeouts are not retried")
	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusTimeout, sess.Status)
	require.Len(t, sess.Errors, 1)
	assert.Equal(t, session.KindTimeout, sess.Errors[0].Kind)
	assert.False(t, sess.Errors[0].Recoverable)

	tk, _ := s.Task("a")
	assert.Equal(t, task.StatusFailed, tk.Status)
}

func TestRunTotalTimeout(t *testing.T) {
	started := make(chan string, 1)
	exec := &fakeExecutor{fn: blockUntilCancelled(started)}
	s, clk := newTestSupervisor(t, []*task.Task{newTask("a"), newTask("b", "a")}, exec, func(o *Options) {
		o.Config.TaskTimeout = 2 * time.Hour
		o.Config.TotalTimeout = time.Hour
	})

	errc := make(chan error, 1)
	go func() { errc <- runWithTimeout(t, s) }()

	<-started
	// Watchdog and attempt deadline
	require.Eventually(t, func() bool { return clk.waiting(time.Hour) == 2 }, 5*time.Second, time.Millisecond)
	clk.Advance(time.Hour)

	assert.ErrorIs(t, <-errc, ErrTotalTimeout)

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StatusTimeout, sessions[0].Status)

	tb, _ := s.Task("b")
	assert.Equal(t, task.StatusPending, tb.Status)
}

func TestConcurrencyLimit(t *testing.T) {
	for _, limit := range []int{1, 2} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			var current, peak atomic.Int32
			var clk *fakeClock
			exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				clk.Advance(time.Minute)
				current.Add(-1)
				return &session.Result{}, nil
			}}

			tasks := []*task.Task{newTask("a"), newTask("b"), newTask("c"), newTask("d")}
			s, c := newTestSupervisor(t, tasks, exec, func(o *Options) {
				o.Config.MaxConcurrentTasks = limit
			})
			clk = c

			require.NoError(t, runWithTimeout(t, s))
			assert.LessOrEqual(t, int(peak.Load()), limit)
			assert.Equal(t, 4, s.Snapshot().Counts[task.StatusDone])

			// Running intervals are half-open: a slot released at t may be reused at t.
			sessions := s.Sessions()
			require.Len(t, sessions, 4)
			for _, at := range sessions {
				running := 0
				for _, other := range sessions {
					if !other.StartedAt.After(at.StartedAt) && at.StartedAt.Before(other.CompletedAt) {
						running++
					}
				}
				assert.LessOrEqual(t, running, limit, "sessions running at %s", at.StartedAt)
			}
		})
	}
}

// Two independent tasks with a single slot never report overlapping running intervals.
func TestSingleSlotRunningIntervalsDoNotOverlap(t *testing.T) {
	var clk *fakeClock
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		clk.Advance(3 * time.Minute)
		return &session.Result{}, nil
	}}
	s, c := newTestSupervisor(t, []*task.Task{newTask("a"), newTask("b")}, exec, func(o *Options) {
		o.Config.MaxConcurrentTasks = 1
	})
	clk = c

	require.NoError(t, runWithTimeout(t, s))

	sessions := s.Sessions()
	require.Len(t, sessions, 2)
	first, second := sessions[0], sessions[1]
	if second.StartedAt.Before(first.StartedAt) {
		first, second = second, first
	}
	assert.Equal(t, session.StatusCompleted, first.Status)
	assert.Equal(t, session.StatusCompleted, second.Status)
	assert.Equal(t, 3*time.Minute, first.CompletedAt.Sub(first.StartedAt))
	assert.False(t, second.StartedAt.Before(first.CompletedAt),
		"second started at %s before first completed at %s", second.StartedAt, first.CompletedAt)
}

func TestAdmissionOrderIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := &fakeExecutor{fn: func(_ context.Context, t *task.Task, _ session.WorkOrder) (*session.Result, error) {
		mu.Lock()
		order = append(order, t.ID)
		mu.Unlock()
		return &session.Result{}, nil
	}}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a"), newTask("b"), newTask("c")}, exec, func(o *Options) {
		o.Config.MaxConcurrentTasks = 1
	})

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Start(context.Background(), id)
		require.NoError(t, err)
	}
	s.Wait()
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestCancel(t *testing.T) {
	started := make(chan string, 1)
	exec := &fakeExecutor{fn: blockUntilCancelled(started)}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, nil)

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(id))
	s.Wait()

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.Equal(t, "cancelled", sess.Attempts[0].Outcome)
	tk, _ := s.Task("a")
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, task.AssignUnassigned, tk.Assignment)

	var stateErr *session.InvalidStateError
	assert.ErrorAs(t, s.Cancel(id), &stateErr, "cancelling a terminal session")
	assert.ErrorIs(t, s.Cancel("nope"), ErrUnknownSession)

	// The task can be started again.
	_, err = s.Start(context.Background(), "a")
	require.NoError(t, err)
	<-started
	require.NoError(t, s.Close())
}

func TestRunDoesNotReadmitCancelledTask(t *testing.T) {
	started := make(chan string, 1)
	exec := &fakeExecutor{fn: blockUntilCancelled(started)}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, nil)

	errc := make(chan error, 1)
	go func() { errc <- runWithTimeout(t, s) }()

	<-started
	require.NoError(t, s.Cancel(s.Sessions()[0].ID))
	require.NoError(t, <-errc)

	assert.Len(t, s.Sessions(), 1)
	tk, _ := s.Task("a")
	assert.Equal(t, task.StatusPending, tk.Status)
}

func TestTerminalTransitionHappensOnce(t *testing.T) {
	s, _ := newTestSupervisor(t, nil, &fakeExecutor{fn: succeed}, nil)

	var mu sync.Mutex
	terminal := make(map[string]int)
	unsub := s.Events().Subscribe(events.SubscriberFunc(func(e events.Event) error {
		if u, ok := e.(events.SessionUpdateEvent); ok && u.Status.Terminal() {
			mu.Lock()
			terminal[u.SessionID]++
			mu.Unlock()
		}
		return nil
	}))
	defer unsub()

	for i := 0; i < 30; i++ {
		taskID := fmt.Sprintf("t%d", i)
		require.NoError(t, s.AddTasks([]*task.Task{newTask(taskID)}))

		id, err := s.Start(context.Background(), taskID)
		require.NoError(t, err)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Cancel(id)
		}()
		wg.Wait()
		s.Wait()

		sess, _ := s.Session(id)
		tk, _ := s.Task(taskID)
		switch sess.Status {
		case session.StatusCompleted:
			assert.Equal(t, task.StatusDone, tk.Status)
		case session.StatusCancelled:
			assert.Equal(t, task.StatusPending, tk.Status)
		default:
			t.Fatalf("session %s ended %s", id, sess.Status)
		}
		mu.Lock()
		assert.Equal(t, 1, terminal[id])
		mu.Unlock()
	}
}

func TestFailedDependencyLeavesDependentsPending(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, t *task.Task, _ session.WorkOrder) (*session.Result, error) {
		if t.ID == "a" {
			return nil, session.NewExecutionError(session.KindRuntime, false, "exit status 1")
		}
		return &session.Result{}, nil
	}}
	tasks := []*task.Task{newTask("a"), newTask("b", "a"), newTask("c")}
	s, _ := newTestSupervisor(t, tasks, exec, nil)

	require.NoError(t, runWithTimeout(t, s))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Counts[task.StatusFailed])
	assert.Equal(t, 1, snap.Counts[task.StatusDone])
	assert.Equal(t, 1, snap.Counts[task.StatusPending])
	sum := 0
	for _, n := range snap.Counts {
		sum += n
	}
	assert.Equal(t, snap.Total, sum)
	assert.Equal(t, 1, snap.TotalIssues)
}

func TestQualityAlert(t *testing.T) {
	exec := &fakeExecutor{fn: succeed}
	quality := qualityFunc(func(context.Context, []string) (*session.QualityReport, error) {
		return &session.QualityReport{Score: 50, Coverage: 95}, nil
	})
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Rules = nil // stock rules
		o.Quality = quality
	})
	ch, unsub := s.Events().SubscribeChan(64)
	defer unsub()

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCompleted, sess.Status, "a low score never fails the task")
	assert.False(t, sess.Quality.GatePassed)

	var alerts []events.QualityAlertEvent
	for _, e := range drain(ch) {
		if a, ok := e.(events.QualityAlertEvent); ok {
			alerts = append(alerts, a)
		}
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, "quality-drop", alerts[0].RuleID)
	assert.Equal(t, 50.0, alerts[0].Value)
}

func TestQualityCheckerErrorMeansNoSignal(t *testing.T) {
	quality := qualityFunc(func(context.Context, []string) (*session.QualityReport, error) {
		return nil, errors.New("linter missing")
	})
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, &fakeExecutor{fn: succeed}, func(o *Options) {
		o.Quality = quality
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Nil(t, sess.Quality)
}

func TestAbortActionBypassesRetries(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		return nil, session.NewExecutionError(session.KindAPI, true, "rate limited")
	}}
	rule := anomaly.Rule{
		ID:        "abort-on-errors",
		Name:      "Abort on errors",
		Enabled:   true,
		Condition: anomaly.Condition{Kind: anomaly.ConditionErrorRate, Threshold: 0.5, Operator: anomaly.OpGreater},
		Actions:   []anomaly.Action{anomaly.Abort("too many errors")},
		Severity:  anomaly.SeverityCritical,
	}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Rules = []anomaly.Rule{rule}
		o.Config.MaxRetries = 5
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 1, exec.Calls())
	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusFailed, sess.Status)
	require.Len(t, sess.Errors, 2)
	assert.Contains(t, sess.Errors[1].Message, "too many errors")

	tk, _ := s.Task("a")
	assert.Equal(t, task.StatusFailed, tk.Status)
}

func TestEscalateAction(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		return nil, session.NewExecutionError(session.KindRuntime, true, "boom")
	}}
	var mu sync.Mutex
	var targets []string
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Rules = nil
		o.Config.MaxRetries = 0
		o.OnEscalate = func(f anomaly.Finding, a anomaly.EscalateAction) {
			mu.Lock()
			targets = append(targets, f.RuleID+":"+a.Target)
			mu.Unlock()
		}
	})

	_, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-error-rate:operator"}, targets)
}

func TestCircuitBreakerRejectsAfterThreshold(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		return nil, session.NewExecutionError(session.KindAPI, true, "upstream down")
	}}
	tasks := []*task.Task{newTask("a"), newTask("b"), newTask("c")}
	s, _ := newTestSupervisor(t, tasks, exec, func(o *Options) {
		o.Config.MaxRetries = 0
		o.Config.BreakerThreshold = 2
		o.Config.BreakerCooldown = time.Hour
	})

	var last string
	for _, id := range []string{"a", "b", "c"} {
		sid, err := s.Start(context.Background(), id)
		require.NoError(t, err)
		s.Wait()
		last = sid
	}

	assert.Equal(t, 2, exec.Calls())
	sess, _ := s.Session(last)
	require.Len(t, sess.Errors, 1)
	assert.Equal(t, session.KindAPI, sess.Errors[0].Kind)
	assert.Contains(t, sess.Errors[0].Message, "circuit breaker")
}

func TestExecutorPanicFailsSession(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		panic("nil map")
	}}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Config.MaxRetries = 3
	})

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Equal(t, 1, exec.Calls())
	assert.Contains(t, sess.Errors[0].Message, "panicked")
}

func TestProgressEvents(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, _ *task.Task, order session.WorkOrder) (*session.Result, error) {
		order.Progress(0.5, "halfway")
		order.Progress(7, "clamped")
		return &session.Result{}, nil
	}}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, nil)
	ch, unsub := s.Events().SubscribeChan(64)
	defer unsub()

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	var fractions []float64
	for _, e := range drain(ch) {
		if p, ok := e.(events.TaskProgressEvent); ok {
			fractions = append(fractions, p.Fraction)
		}
	}
	assert.Equal(t, []float64{0.5, 1}, fractions)

	sess, _ := s.Session(id)
	assert.Equal(t, 1.0, sess.Progress)
}

func TestAddTasks(t *testing.T) {
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, &fakeExecutor{fn: succeed}, nil)

	err := s.AddTasks([]*task.Task{newTask("x", "y"), newTask("y", "x")})
	var cycle *scheduler.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Len(t, s.Tasks(), 1, "a rejected merge leaves the graph unchanged")

	require.NoError(t, s.AddTasks([]*task.Task{newTask("b", "a")}))
	assert.Len(t, s.Tasks(), 2)

	_, err = s.Start(context.Background(), "b")
	var depErr *DependencyNotSatisfiedError
	assert.ErrorAs(t, err, &depErr)
}

func TestStatePersisted(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "taskvisor.db"))
	require.NoError(t, err)
	defer store.Close()

	s, _ := newTestSupervisor(t, []*task.Task{newTask("a"), newTask("b", "a")}, &fakeExecutor{fn: succeed}, func(o *Options) {
		o.Store = store
	})
	require.NoError(t, runWithTimeout(t, s))

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, tk := range tasks {
		assert.Equal(t, task.StatusDone, tk.Status, tk.ID)
	}

	for _, want := range s.Sessions() {
		got, err := store.GetSession(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, got.Status)
		assert.Equal(t, want.Transitions, got.Transitions)
	}
}

// gatedStore holds the first session write accepted by gate until release is closed.
type gatedStore struct {
	*persistence.SQLiteStore
	gate    func(*session.Session) bool
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func newGatedStore(t *testing.T, gate func(*session.Session) bool) *gatedStore {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &gatedStore{
		SQLiteStore: store,
		gate:        gate,
		held:        make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) SaveSession(ctx context.Context, sess *session.Session) error {
	if g.gate(sess) {
		hold := false
		g.once.Do(func() { hold = true })
		if hold {
			close(g.held)
			<-g.release
		}
	}
	return g.SQLiteStore.SaveSession(ctx, sess)
}

func TestCancelIsNotOverwrittenByEarlierWrite(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore(t, func(sess *session.Session) bool {
		n := len(sess.Attempts)
		return sess.Status == session.StatusRunning && n == 1 && sess.Attempts[0].EndedAt.IsZero()
	})
	started := make(chan string, 1)
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, &fakeExecutor{fn: blockUntilCancelled(started)}, func(o *Options) {
		o.Store = store
	})

	id, err := s.Start(ctx, "a")
	require.NoError(t, err)
	<-store.held

	errc := make(chan error, 1)
	go func() { errc <- s.Cancel(id) }()
	require.Eventually(t, func() bool {
		sess, err := s.Session(id)
		return err == nil && sess.Status == session.StatusCancelled
	}, 5*time.Second, time.Millisecond)

	close(store.release)
	require.NoError(t, <-errc)
	s.Wait()

	got, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status)
	want, _ := s.Session(id)
	assert.Equal(t, want.Transitions, got.Transitions)

	tk, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
}

func TestErrorRateUsesExecutorAPICalls(t *testing.T) {
	var calls atomic.Int32
	exec := &fakeExecutor{fn: func(context.Context, *task.Task, session.WorkOrder) (*session.Result, error) {
		if calls.Add(1) == 1 {
			return nil, &session.ExecutionError{Kind: session.KindAPI, Message: "connection reset", Recoverable: true, APICalls: 10}
		}
		return &session.Result{APICalls: 10}, nil
	}}
	var escalated atomic.Int32
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, func(o *Options) {
		o.Rules = nil // stock rules, including high-error-rate
		o.Config.MaxRetries = 2
		o.OnEscalate = func(anomaly.Finding, anomaly.EscalateAction) { escalated.Add(1) }
	})
	ch, unsub := s.Events().SubscribeChan(64)
	defer unsub()

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	s.Wait()

	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	require.Len(t, sess.Errors, 1)
	assert.Equal(t, 10, sess.Errors[0].APICalls)
	require.Len(t, sess.Attempts, 2)
	assert.Equal(t, 10, sess.Attempts[0].APICalls)
	assert.Equal(t, 20, sess.APICalls)
	assert.InDelta(t, 0.05, sess.ErrorRate(), 1e-9)

	for _, e := range drain(ch) {
		if a, ok := e.(events.QualityAlertEvent); ok {
			t.Errorf("unexpected alert %s at value %.2f", a.RuleID, a.Value)
		}
	}
	assert.Zero(t, escalated.Load())
}

func TestImplicitDependenciesGateStart(t *testing.T) {
	ctx := context.Background()
	mk := func(id string, cat task.Category) *task.Task {
		tk := newTask(id)
		tk.Category = cat
		tk.RequirementID = "R1"
		return tk
	}
	tasks := []*task.Task{
		mk("T1", task.CategoryFrontend),
		mk("T2", task.CategoryBackend),
		mk("T3", task.CategoryTesting),
		mk("T4", task.CategoryDeployment),
	}
	s, _ := newTestSupervisor(t, tasks, &fakeExecutor{fn: succeed}, func(o *Options) {
		o.GraphOptions = nil // default implicit rules
	})
	assert.Equal(t, []string{"T1", "T2", "T3", "T4"}, s.Graph().Order())

	requireBlocked := func(id string, pending ...string) {
		t.Helper()
		_, err := s.Start(ctx, id)
		var depErr *DependencyNotSatisfiedError
		require.ErrorAs(t, err, &depErr)
		assert.ElementsMatch(t, pending, depErr.Pending)
	}
	complete := func(id string) {
		t.Helper()
		_, err := s.Start(ctx, id)
		require.NoError(t, err)
		s.Wait()
		tk, err := s.Task(id)
		require.NoError(t, err)
		require.Equal(t, task.StatusDone, tk.Status)
	}

	requireBlocked("T3", "T1", "T2")
	requireBlocked("T4", "T1", "T2", "T3")
	complete("T1")
	requireBlocked("T3", "T2")
	complete("T2")
	requireBlocked("T4", "T3")
	complete("T3")
	complete("T4")

	assert.Len(t, s.Sessions(), 4, "blocked starts create no sessions")
}

func TestClose(t *testing.T) {
	started := make(chan string, 1)
	exec := &fakeExecutor{fn: blockUntilCancelled(started)}
	s, _ := newTestSupervisor(t, []*task.Task{newTask("a")}, exec, nil)

	id, err := s.Start(context.Background(), "a")
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Close())
	sess, _ := s.Session(id)
	assert.Equal(t, session.StatusCancelled, sess.Status)

	_, err = s.Start(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
}
