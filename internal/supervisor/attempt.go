package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/events"
	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/task"
)

type outcome struct {
	res *session.Result
	err error
}

// work drives one session from admission to a terminal state. Retries are
// an explicit loop: exactly one attempt is in flight at a time.
func (s *Supervisor) work(st *sessionState) {
	defer s.workerDone(st)

	if err := s.acquireSlot(st); err != nil {
		s.abandon(st)
		return
	}
	s.metrics.SlotAcquired()
	defer func() {
		s.pool.Release(1)
		s.metrics.SlotReleased()
	}()

	if !s.begin(st) {
		return
	}
	for {
		delay, again := s.attempt(st)
		if !again {
			return
		}
		select {
		case <-s.clock.After(delay):
		case <-st.ctx.Done():
			s.interrupted(st)
			return
		}
	}
}

// acquireSlot waits until the previously created session holds a slot (or
// gave up), so sessions are admitted in creation order.
func (s *Supervisor) acquireSlot(st *sessionState) error {
	defer close(st.admitted)
	if st.after != nil {
		select {
		case <-st.after:
		case <-st.ctx.Done():
			return context.Cause(st.ctx)
		}
	}
	return s.pool.Acquire(st.ctx, 1)
}

func (s *Supervisor) workerDone(st *sessionState) {
	s.mu.Lock()
	s.live--
	s.mu.Unlock()

	st.stop(nil)
	if st.done != nil {
		st.done()
	}
	s.workers.Done()
	s.notify()
}

// begin moves the session to running. Returns false if it was finished
// while waiting for a slot.
func (s *Supervisor) begin(st *sessionState) bool {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	if st.s.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	if err := st.m.Fire(session.EventRun, now); err != nil {
		s.mu.Unlock()
		s.logger.Error("cannot run session", zap.String("session", st.s.ID), zap.Error(err))
		return false
	}
	s.transitioned(fx, st, now)
	s.unlock(fx)

	s.flush(fx)
	return true
}

// attempt runs the executor once. It returns the retry delay and whether
// another attempt follows.
func (s *Supervisor) attempt(st *sessionState) (time.Duration, bool) {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	if st.s.Status != session.StatusRunning {
		s.mu.Unlock()
		return 0, false
	}
	deadline, reason := s.deadlineLocked(st)
	if !now.Before(deadline) {
		s.expireLocked(fx, st, now, reason)
		s.unlock(fx)
		s.flush(fx)
		return 0, false
	}

	t := s.tasks[st.s.TaskID].Clone()
	order := session.NewWorkOrder(st.s, t, deadline)
	order.Progress = func(fraction float64, message string) {
		s.progress(st, order.Attempt, fraction, message)
	}
	st.s.Attempts = append(st.s.Attempts, session.Attempt{Number: order.Attempt, StartedAt: now})
	fx.sessions = append(fx.sessions, st.s.Clone())
	fx.events = append(fx.events, events.TaskStartedEvent{
		ID:        t.ID,
		SessionID: st.s.ID,
		Name:      t.Name,
		Category:  t.Category,
		Attempt:   order.Attempt,
		Timestamp: now,
	})
	s.unlock(fx)

	s.flush(fx)
	s.metrics.Attempt(string(t.Category))
	s.logger.Debug("attempt started",
		zap.String("task", t.ID),
		zap.String("session", st.s.ID),
		zap.Int("attempt", order.Attempt))

	ctx, cancel := context.WithCancel(st.ctx)
	defer cancel()

	// Buffered so an executor that ignores cancellation never blocks on send.
	done := make(chan outcome, 1)
	go func() {
		res, err := s.execute(ctx, t, order)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-s.clock.After(deadline.Sub(now)):
		cancel()
		s.expire(st, reason)
		return 0, false
	case <-ctx.Done():
		s.interrupted(st)
		return 0, false
	}
	if ctx.Err() != nil {
		s.interrupted(st)
		return 0, false
	}
	if out.err != nil {
		return s.failed(st, out.err)
	}
	s.succeeded(st, out.res)
	return 0, false
}

// deadlineLocked is the earlier of the task deadline, measured from the
// first run across all retries, and the deadline of the current Run.
func (s *Supervisor) deadlineLocked(st *sessionState) (time.Time, string) {
	deadline := st.s.StartedAt.Add(s.cfg.TaskTimeout)
	reason := fmt.Sprintf("task timeout of %s exceeded", s.cfg.TaskTimeout)
	if !s.runDeadline.IsZero() && s.runDeadline.Before(deadline) {
		deadline = s.runDeadline
		reason = fmt.Sprintf("total timeout of %s exceeded", s.cfg.TotalTimeout)
	}
	return deadline, reason
}

// execute calls the executor through the category's circuit breaker.
// A panicking executor fails the attempt instead of the process.
func (s *Supervisor) execute(ctx context.Context, t *task.Task, order session.WorkOrder) (res *session.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = session.NewExecutionError(session.KindRuntime, false, "executor panicked: %v", r)
		}
	}()

	cb := s.breakers.Get(t.Category)
	if cb == nil {
		return s.exec.Execute(ctx, t, order)
	}
	out, err := cb.Execute(func() (interface{}, error) {
		return s.exec.Execute(ctx, t, order)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.metrics.BreakerRejected(string(t.Category))
		return nil, session.NewExecutionError(session.KindAPI, true, "circuit breaker for %s is %s", t.Category, cb.State())
	}
	if err != nil {
		return nil, err
	}
	res, _ = out.(*session.Result)
	return res, nil
}

func (s *Supervisor) succeeded(st *sessionState, res *session.Result) {
	now := s.clock.Now()
	if res == nil {
		res = &session.Result{}
	}

	var report *session.QualityReport
	if s.quality != nil {
		report = s.checkQuality(st, res.Artifacts)
	}

	fx := &effects{}
	s.mu.Lock()
	if st.s.Status != session.StatusRunning {
		s.mu.Unlock()
		return
	}
	endAttempt(st.s, now, "ok", max(res.APICalls, 1))
	st.s.Result = res
	st.s.Quality = report
	st.s.Progress = 1
	if err := st.m.Fire(session.EventComplete, now); err != nil {
		s.mu.Unlock()
		s.logger.Error("cannot complete session", zap.String("session", st.s.ID), zap.Error(err))
		return
	}
	duration := st.s.Duration(now)

	t := s.tasks[st.s.TaskID]
	t.Status = task.StatusDone
	t.ActualHours = duration.Hours()
	t.UpdatedAt = now
	fx.tasks = append(fx.tasks, t.Clone())
	fx.events = append(fx.events, events.TaskCompletedEvent{
		ID:        t.ID,
		SessionID: st.s.ID,
		Duration:  duration,
		Attempts:  len(st.s.Attempts),
		Quality:   report,
		Timestamp: now,
	})
	s.transitioned(fx, st, now)
	s.unlock(fx)

	s.metrics.Finished(string(session.StatusCompleted), duration)
	s.logger.Info("task completed",
		zap.String("task", st.s.TaskID),
		zap.String("session", st.s.ID),
		zap.Duration("duration", duration),
		zap.Int("attempts", len(st.s.Attempts)))
	s.flush(fx)
}

// checkQuality asks the quality checker for a report. A checker error
// means no quality signal.
func (s *Supervisor) checkQuality(st *sessionState, artifacts []string) *session.QualityReport {
	report, err := s.quality.Check(st.ctx, artifacts)
	if err != nil {
		s.logger.Warn("quality check failed", zap.String("session", st.s.ID), zap.Error(err))
		return nil
	}
	if report == nil {
		return nil
	}
	cp := *report
	cp.GatePassed = cp.Score >= s.cfg.MinQualityScore && cp.Coverage >= s.cfg.MinTestCoverage
	return &cp
}

// failed records err and consults the retry controller.
func (s *Supervisor) failed(st *sessionState, err error) (time.Duration, bool) {
	now := s.clock.Now()
	execErr := session.Classify(err)
	execErr.At = now

	fx := &effects{}
	s.mu.Lock()
	if st.s.Status != session.StatusRunning {
		s.mu.Unlock()
		return 0, false
	}
	execErr.Attempt = len(st.s.Attempts)
	endAttempt(st.s, now, string(execErr.Kind), max(execErr.APICalls, 1))
	st.s.RecordError(*execErr)

	d := s.retry.Decide(st.s, execErr, st.policy)
	fx.events = append(fx.events, events.ErrorDetectedEvent{
		ID:        st.s.TaskID,
		SessionID: st.s.ID,
		Err:       *execErr,
		WillRetry: d.Retry,
		RetryIn:   d.Delay,
		Timestamp: now,
	})
	if d.Retry {
		st.s.RetryCount++
		if err := st.m.Fire(session.EventRetry, now); err != nil {
			s.logger.Error("cannot retry session", zap.String("session", st.s.ID), zap.Error(err))
		}
		s.transitioned(fx, st, now)
	} else {
		s.finishLocked(fx, st, now, session.EventFail, execErr)
	}
	s.unlock(fx)

	s.logger.Warn("attempt failed",
		zap.String("task", st.s.TaskID),
		zap.String("session", st.s.ID),
		zap.Int("attempt", execErr.Attempt),
		zap.String("kind", string(execErr.Kind)),
		zap.String("decision", d.Reason),
		zap.Error(execErr))
	if d.Retry {
		s.metrics.Retry()
	}
	s.flush(fx)
	return d.Delay, d.Retry
}

// expire finishes the session as timed out.
func (s *Supervisor) expire(st *sessionState, reason string) {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	if st.s.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.expireLocked(fx, st, now, reason)
	s.unlock(fx)

	s.logger.Warn("session timed out", zap.String("task", st.s.TaskID), zap.String("session", st.s.ID), zap.String("reason", reason))
	s.flush(fx)
}

func (s *Supervisor) expireLocked(fx *effects, st *sessionState, now time.Time, reason string) {
	execErr := &session.ExecutionError{
		Kind:        session.KindTimeout,
		Message:     reason,
		Recoverable: false,
		Attempt:     len(st.s.Attempts),
		At:          now,
	}
	endAttempt(st.s, now, string(session.KindTimeout), max(execErr.APICalls, 1))
	st.s.RecordError(*execErr)
	fx.events = append(fx.events, events.ErrorDetectedEvent{
		ID:        st.s.TaskID,
		SessionID: st.s.ID,
		Err:       *execErr,
		Timestamp: now,
	})
	s.finishLocked(fx, st, now, session.EventExpire, execErr)
}

// finishLocked applies a terminal failure event (fail or expire): the task fails.
func (s *Supervisor) finishLocked(fx *effects, st *sessionState, now time.Time, ev session.Event, execErr *session.ExecutionError) {
	if err := st.m.Fire(ev, now); err != nil {
		s.logger.Error("cannot finish session", zap.String("session", st.s.ID), zap.String("event", string(ev)), zap.Error(err))
		return
	}
	duration := st.s.Duration(now)

	t := s.tasks[st.s.TaskID]
	t.Status = task.StatusFailed
	t.UpdatedAt = now
	fx.tasks = append(fx.tasks, t.Clone())
	fx.events = append(fx.events, events.TaskFailedEvent{
		ID:        t.ID,
		SessionID: st.s.ID,
		Status:    st.s.Status,
		Err:       execErr,
		Duration:  duration,
		Timestamp: now,
	})
	s.transitioned(fx, st, now)
	s.metrics.Finished(string(st.s.Status), duration)
}

// cancelLocked moves a running session to cancelled and returns its task to pending.
func (s *Supervisor) cancelLocked(fx *effects, st *sessionState, now time.Time) error {
	if err := st.m.Fire(session.EventCancel, now); err != nil {
		return err
	}
	endAttempt(st.s, now, "cancelled", 0)

	t := s.tasks[st.s.TaskID]
	t.Status = task.StatusPending
	t.Assignment = task.AssignUnassigned
	t.UpdatedAt = now
	fx.tasks = append(fx.tasks, t.Clone())
	s.transitioned(fx, st, now)
	s.metrics.Finished(string(session.StatusCancelled), st.s.Duration(now))
	return nil
}

// interrupted handles a session whose context ended without a terminal
// transition: a total timeout expires it, anything else cancels it.
func (s *Supervisor) interrupted(st *sessionState) {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	if st.s.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	cause := context.Cause(st.ctx)
	if errors.Is(cause, ErrTotalTimeout) {
		s.expireLocked(fx, st, now, fmt.Sprintf("total timeout of %s exceeded", s.cfg.TotalTimeout))
	} else if err := s.cancelLocked(fx, st, now); err != nil {
		s.logger.Error("cannot cancel session", zap.String("session", st.s.ID), zap.Error(err))
	}
	s.unlock(fx)

	s.logger.Info("session interrupted", zap.String("session", st.s.ID), zap.NamedError("cause", cause))
	s.flush(fx)
}

// abandon finishes a session that never got a slot. A total timeout expires
// it; otherwise it fails and its task returns to pending, since it never ran.
func (s *Supervisor) abandon(st *sessionState) {
	now := s.clock.Now()
	fx := &effects{}
	cause := context.Cause(st.ctx)

	s.mu.Lock()
	if st.s.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if errors.Is(cause, ErrTotalTimeout) {
		s.expireLocked(fx, st, now, fmt.Sprintf("total timeout of %s exceeded before start", s.cfg.TotalTimeout))
		s.unlock(fx)
		s.flush(fx)
		return
	}

	execErr := session.NewExecutionError(session.KindRuntime, false, "stopped before start: %v", cause)
	execErr.At = now
	st.s.RecordError(*execErr)
	if err := st.m.Fire(session.EventFail, now); err != nil {
		s.mu.Unlock()
		s.logger.Error("cannot fail session", zap.String("session", st.s.ID), zap.Error(err))
		return
	}
	t := s.tasks[st.s.TaskID]
	t.Status = task.StatusPending
	t.Assignment = task.AssignUnassigned
	t.UpdatedAt = now
	fx.tasks = append(fx.tasks, t.Clone())
	s.transitioned(fx, st, now)
	s.unlock(fx)

	s.logger.Info("session abandoned before start", zap.String("session", st.s.ID), zap.NamedError("cause", cause))
	s.flush(fx)
}

// abort forces a live session to failed, bypassing retries.
func (s *Supervisor) abort(sessionID, reason string) {
	now := s.clock.Now()
	fx := &effects{}

	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || st.s.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	execErr := &session.ExecutionError{
		Kind:        session.KindRuntime,
		Message:     "aborted: " + reason,
		Recoverable: false,
		Attempt:     len(st.s.Attempts),
		At:          now,
	}
	endAttempt(st.s, now, "aborted", 0)
	st.s.RecordError(*execErr)
	fx.events = append(fx.events, events.ErrorDetectedEvent{
		ID:        st.s.TaskID,
		SessionID: st.s.ID,
		Err:       *execErr,
		Timestamp: now,
	})
	s.finishLocked(fx, st, now, session.EventFail, execErr)
	s.unlock(fx)

	st.stop(errAborted)
	s.logger.Warn("session aborted", zap.String("session", sessionID), zap.String("reason", reason))
	s.flush(fx)
}

var errAborted = errors.New("session aborted")

// progress records partial completion reported by the executor. Reports
// from an attempt that already ended are dropped.
func (s *Supervisor) progress(st *sessionState, attempt int, fraction float64, message string) {
	fraction = min(max(fraction, 0), 1)
	now := s.clock.Now()

	s.mu.Lock()
	n := len(st.s.Attempts)
	if st.s.Status != session.StatusRunning || n != attempt || !st.s.Attempts[n-1].EndedAt.IsZero() {
		s.mu.Unlock()
		return
	}
	st.s.Progress = fraction
	s.mu.Unlock()

	s.bus.Publish(events.TaskProgressEvent{
		ID:        st.s.TaskID,
		SessionID: st.s.ID,
		Fraction:  fraction,
		Message:   message,
		Timestamp: now,
	})
}

// endAttempt closes the open attempt, if any.
func endAttempt(sess *session.Session, now time.Time, outcome string, apiCalls int) {
	if len(sess.Attempts) == 0 {
		return
	}
	a := &sess.Attempts[len(sess.Attempts)-1]
	if !a.EndedAt.IsZero() {
		return
	}
	a.EndedAt = now
	a.Outcome = outcome
	a.APICalls = apiCalls
	sess.APICalls += apiCalls
}
