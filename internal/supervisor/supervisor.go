package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/config"
	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/metrics"
	"github.com/taskvisor/taskvisor/internal/scheduler"
	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/status"
	"github.com/taskvisor/taskvisor/internal/task"
)

// storeTimeout bounds each persistence write made on behalf of a state change.
const storeTimeout = 5 * time.Second

// Store persists task and session changes. *persistence.SQLiteStore satisfies it.
type Store interface {
	SaveTasks(ctx context.Context, tasks []*task.Task) error
	SaveSession(ctx context.Context, s *session.Session) error
}

// Options configures a Supervisor. Executor is required.
type Options struct {
	Config   config.SupervisionConfig
	Rules    []anomaly.Rule // nil means anomaly.DefaultRules
	Executor session.Executor
	Quality  session.QualityChecker
	Events   *events.Broadcaster // nil creates a private broadcaster
	Store    Store
	Metrics  *metrics.Metrics
	Clock    Clock
	Logger   *zap.Logger

	// GraphOptions are passed to scheduler.Build, e.g. scheduler.WithRules().
	GraphOptions []scheduler.Option

	// OnEscalate is called for escalate actions. It must not block.
	OnEscalate func(f anomaly.Finding, a anomaly.EscalateAction)
}

// Supervisor owns the task collection and the session registry.
// Every read-modify-write of shared state happens under mu; events and
// persistence writes are collected while holding it and flushed afterwards.
type Supervisor struct {
	cfg        config.SupervisionConfig
	exec       session.Executor
	quality    session.QualityChecker
	bus        *events.Broadcaster
	ownsBus    bool
	store      Store
	metrics    *metrics.Metrics
	clock      Clock
	logger     *zap.Logger
	detector   *anomaly.Detector
	retry      *RetryController
	breakers   *BreakerRegistry
	pool       *semaphore.Weighted
	onEscalate func(anomaly.Finding, anomaly.EscalateAction)

	mu           sync.Mutex
	graph        *scheduler.Graph
	tasks        map[string]*task.Task
	taskOrder    []string
	sessions     map[string]*sessionState
	sessionOrder []string
	held         map[string]bool // Tasks cancelled by the caller; Run does not re-admit them
	lastAdmitted chan struct{}   // Closed once the most recently created session holds a slot
	runDeadline  time.Time       // Zero outside Run
	running      bool
	closed       bool
	live         int

	workers sync.WaitGroup
	wake    chan struct{}

	// Store writes are applied in the order their effects were sealed.
	storeMu   sync.Mutex
	stored    *sync.Cond
	sealedSeq uint64 // Guarded by mu
	storedSeq uint64 // Guarded by storeMu
}

// sessionState is the supervisor's bookkeeping for one session.
type sessionState struct {
	s      *session.Session
	m      *session.Machine
	policy backoff.BackOff

	ctx  context.Context
	stop context.CancelCauseFunc

	after    <-chan struct{} // Previous session's admitted channel
	admitted chan struct{}
	done     func() // Called once when the worker exits
}

// New validates tasks, builds the dependency graph and returns an idle supervisor.
// Tasks found in_progress are returned to pending: their previous run was interrupted.
func New(tasks []*task.Task, opts Options) (*Supervisor, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("supervisor: executor is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	rules := opts.Rules
	if rules == nil {
		rules = anomaly.DefaultRules(opts.Config.TaskTimeout, opts.Config.MinQualityScore)
	}
	logger := opts.Logger.Named("supervisor")
	detector, err := anomaly.NewDetector(rules, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("anomaly rules: %w", err)
	}

	in := task.CloneAll(tasks)
	for _, t := range in {
		if t == nil {
			return nil, fmt.Errorf("nil task")
		}
		t.Normalize()
		if t.Status == task.StatusInProgress {
			t.Status = task.StatusPending
			t.Assignment = task.AssignUnassigned
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	graph, err := scheduler.Build(in, opts.GraphOptions...)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        opts.Config,
		exec:       opts.Executor,
		quality:    opts.Quality,
		bus:        opts.Events,
		store:      opts.Store,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     logger,
		detector:   detector,
		retry:      NewRetryController(opts.Config.MaxRetries, opts.Config.RetryDelay),
		breakers:   NewBreakerRegistry(opts.Config.BreakerThreshold, opts.Config.BreakerCooldown, logger),
		pool:       semaphore.NewWeighted(int64(opts.Config.MaxConcurrentTasks)),
		onEscalate: opts.OnEscalate,
		graph:      graph,
		tasks:      make(map[string]*task.Task),
		sessions:   make(map[string]*sessionState),
		held:       make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
	if s.bus == nil {
		s.bus = events.NewBroadcaster(opts.Logger, 256)
		s.ownsBus = true
	}

	s.stored = sync.NewCond(&s.storeMu)

	fx := &effects{}
	s.mu.Lock()
	for _, t := range graph.Tasks() {
		s.tasks[t.ID] = t
		s.taskOrder = append(s.taskOrder, t.ID)
		fx.tasks = append(fx.tasks, t.Clone())
	}
	s.unlock(fx)
	s.flush(fx)
	return s, nil
}

// Events returns the broadcaster state changes are published on.
func (s *Supervisor) Events() *events.Broadcaster {
	return s.bus
}

// Graph returns the dependency graph. Tasks held by the graph carry
// dependencies only; statuses live in the supervisor.
func (s *Supervisor) Graph() *scheduler.Graph {
	return s.graph
}

// AddTasks merges new tasks into the graph. Rules are re-applied over the
// union, so existing tasks may gain implicit dependencies.
func (s *Supervisor) AddTasks(tasks []*task.Task) error {
	in := task.CloneAll(tasks)
	for _, t := range in {
		if t == nil {
			return fmt.Errorf("nil task")
		}
		t.Normalize()
		if err := t.Validate(); err != nil {
			return err
		}
	}

	fx := &effects{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.graph.Merge(in); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, t := range s.graph.Tasks() {
		if cur, ok := s.tasks[t.ID]; ok {
			cur.Dependencies = t.Dependencies
		} else {
			s.tasks[t.ID] = t
			s.taskOrder = append(s.taskOrder, t.ID)
		}
		fx.tasks = append(fx.tasks, s.tasks[t.ID].Clone())
	}
	fx.status = true
	s.unlock(fx)

	s.flush(fx)
	return nil
}

// Start admits a task: it creates a session and launches its worker, which
// waits for a pool slot before the first attempt. The session lives until
// it reaches a terminal state or ctx is done.
func (s *Supervisor) Start(ctx context.Context, taskID string) (string, error) {
	return s.start(ctx, taskID, nil)
}

func (s *Supervisor) start(ctx context.Context, taskID string, done func()) (string, error) {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	var pending []string
	for _, depID := range t.Dependencies {
		if dep := s.tasks[depID]; dep == nil || dep.Status != task.StatusDone {
			pending = append(pending, depID)
		}
	}
	if len(pending) > 0 {
		s.mu.Unlock()
		return "", &DependencyNotSatisfiedError{TaskID: taskID, Pending: pending}
	}
	if t.Status != task.StatusPending {
		s.mu.Unlock()
		return "", &session.InvalidStateError{Entity: "task", ID: taskID, State: string(t.Status), Op: "start"}
	}

	sess := session.New(uuid.NewString(), taskID, s.cfg.MaxRetries, now)
	st := &sessionState{
		s:        sess,
		m:        session.NewMachine(sess),
		policy:   s.retry.Policy(),
		after:    s.lastAdmitted,
		admitted: make(chan struct{}),
		done:     done,
	}
	st.ctx, st.stop = context.WithCancelCause(ctx)
	s.lastAdmitted = st.admitted
	s.sessions[sess.ID] = st
	s.sessionOrder = append(s.sessionOrder, sess.ID)
	delete(s.held, taskID)

	t.Status = task.StatusInProgress
	t.Assignment = task.AssignAutomated
	t.UpdatedAt = now
	fx.tasks = append(fx.tasks, t.Clone())
	fx.sessions = append(fx.sessions, sess.Clone())
	fx.events = append(fx.events, events.SessionCreatedEvent{SessionID: sess.ID, ID: taskID, Timestamp: now})

	s.live++
	s.workers.Add(1)
	s.unlock(fx)

	s.metrics.SessionCreated()
	s.logger.Info("session created", zap.String("task", taskID), zap.String("session", sess.ID))
	s.flush(fx)

	go s.work(st)
	return sess.ID, nil
}

// Cancel stops a running session. The task returns to pending and is not
// re-admitted by Run until started again explicitly. Cancelling a session
// that is not running yields *session.InvalidStateError.
func (s *Supervisor) Cancel(sessionID string) error {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err := s.cancelLocked(fx, st, now); err != nil {
		s.mu.Unlock()
		return err
	}
	s.held[st.s.TaskID] = true
	s.unlock(fx)

	st.stop(context.Canceled)
	s.logger.Info("session cancelled", zap.String("task", st.s.TaskID), zap.String("session", sessionID))
	s.flush(fx)
	return nil
}

// Snapshot aggregates the current tasks and sessions.
func (s *Supervisor) Snapshot() status.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return status.Aggregate(s.tasksLocked(), s.sessionsLocked(), s.cfg.MinQualityScore, s.clock.Now())
}

// Tasks returns copies of all tasks in declaration order.
func (s *Supervisor) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return task.CloneAll(s.tasksLocked())
}

// Task returns a copy of one task.
func (s *Supervisor) Task(taskID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return t.Clone(), nil
}

// Sessions returns copies of all sessions in creation order.
func (s *Supervisor) Sessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessionOrder))
	for _, id := range s.sessionOrder {
		out = append(out, s.sessions[id].s.Clone())
	}
	return out
}

// Session returns a copy of one session.
func (s *Supervisor) Session(sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return st.s.Clone(), nil
}

// Rules returns the active anomaly rules.
func (s *Supervisor) Rules() []anomaly.Rule {
	return s.detector.Rules()
}

// Wait blocks until every session worker has exited.
func (s *Supervisor) Wait() {
	s.workers.Wait()
}

// Close stops every live session and waits for the workers to exit.
// Running sessions end cancelled; sessions still waiting for a slot end failed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, id := range s.sessionOrder {
		if st := s.sessions[id]; !st.s.Status.Terminal() {
			st.stop(ErrClosed)
		}
	}
	s.mu.Unlock()

	s.workers.Wait()
	if s.ownsBus {
		s.bus.Close()
	}
	return nil
}

func (s *Supervisor) tasksLocked() []*task.Task {
	out := make([]*task.Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		out = append(out, s.tasks[id])
	}
	return out
}

func (s *Supervisor) sessionsLocked() []*session.Session {
	out := make([]*session.Session, 0, len(s.sessionOrder))
	for _, id := range s.sessionOrder {
		out = append(out, s.sessions[id].s)
	}
	return out
}

// effects are collected under mu and applied by flush after it is released.
type effects struct {
	seq      uint64
	tasks    []*task.Task
	sessions []*session.Session
	events   []events.Event
	findings []anomaly.Finding
	status   bool // Publish a fresh snapshot
}

// transitioned records a session state change: persistence, an update
// event and one anomaly evaluation for the new transition.
func (s *Supervisor) transitioned(fx *effects, st *sessionState, now time.Time) {
	fx.sessions = append(fx.sessions, st.s.Clone())
	fx.events = append(fx.events, events.SessionUpdateEvent{
		SessionID:  st.s.ID,
		ID:         st.s.TaskID,
		Status:     st.s.Status,
		RetryCount: st.s.RetryCount,
		Transition: st.s.Transitions,
		Timestamp:  now,
	})
	fx.findings = append(fx.findings, s.detector.Evaluate(st.s, now)...)
	if st.s.Status.Terminal() {
		s.detector.Forget(st.s.ID)
		fx.status = true
	}
}

// unlock seals fx with the next write sequence and releases mu. Every
// sealed effects value must be passed to flush.
func (s *Supervisor) unlock(fx *effects) {
	s.sealedSeq++
	fx.seq = s.sealedSeq
	s.mu.Unlock()
}

func (s *Supervisor) flush(fx *effects) {
	s.persist(fx)

	for _, e := range fx.events {
		s.bus.Publish(e)
	}

	for _, f := range fx.findings {
		s.metrics.Anomaly(f.RuleID, string(f.Severity))
		s.logger.Info("anomaly rule fired",
			zap.String("rule", f.RuleID),
			zap.String("session", f.SessionID),
			zap.Float64("value", f.Value),
			zap.Float64("threshold", f.Threshold))
	}
	anomaly.Dispatch(fx.findings, actionHandler{s: s})

	if fx.status {
		s.bus.Publish(events.SystemStatusEvent{Snapshot: s.Snapshot()})
	}
	s.notify()
}

// persist writes fx to the store once every earlier sealed effects value
// has been written, so a stale snapshot never overwrites a newer one.
func (s *Supervisor) persist(fx *effects) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	for s.storedSeq+1 != fx.seq {
		s.stored.Wait()
	}
	defer func() {
		s.storedSeq = fx.seq
		s.stored.Broadcast()
	}()

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if len(fx.tasks) > 0 {
		if err := s.store.SaveTasks(ctx, fx.tasks); err != nil {
			s.logger.Error("failed to persist tasks", zap.Error(err))
		}
	}
	for _, sess := range fx.sessions {
		if err := s.store.SaveSession(ctx, sess); err != nil {
			s.logger.Error("failed to persist session", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}

// notify wakes the dispatcher without blocking.
func (s *Supervisor) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
