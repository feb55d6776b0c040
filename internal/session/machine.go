package session

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
)

// Event names a session state transition.
type Event string

const (
	EventRun      Event = "run"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventExpire   Event = "expire"
	EventCancel   Event = "cancel"
	EventRetry    Event = "retry" // running -> running; counts as a transition
)

var transitions = fsm.Events{
	{Name: string(EventRun), Src: []string{string(StatusPending)}, Dst: string(StatusRunning)},
	{Name: string(EventComplete), Src: []string{string(StatusRunning)}, Dst: string(StatusCompleted)},
	{Name: string(EventFail), Src: []string{string(StatusPending), string(StatusRunning)}, Dst: string(StatusFailed)},
	{Name: string(EventExpire), Src: []string{string(StatusPending), string(StatusRunning)}, Dst: string(StatusTimeout)},
	{Name: string(EventCancel), Src: []string{string(StatusRunning)}, Dst: string(StatusCancelled)},
	{Name: string(EventRetry), Src: []string{string(StatusRunning)}, Dst: string(StatusRunning)},
}

// Machine drives a Session through its legal transitions.
// It is not safe for concurrent use; callers serialize access.
type Machine struct {
	fsm *fsm.FSM
	s   *Session
}

// NewMachine binds a state machine to s, starting from s.Status.
func NewMachine(s *Session) *Machine {
	m := &Machine{s: s}
	m.fsm = fsm.NewFSM(
		string(s.Status),
		transitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				now := e.Args[0].(time.Time)
				s.Status = Status(e.Dst)
				s.Transitions++
				if s.Status == StatusRunning && s.StartedAt.IsZero() {
					s.StartedAt = now
				}
				if s.Status.Terminal() {
					s.CompletedAt = now
				}
			},
			// Self-transitions skip enter_state.
			"after_" + string(EventRetry): func(context.Context, *fsm.Event) {
				s.Transitions++
			},
		},
	)
	return m
}

// Session returns the bound session.
func (m *Machine) Session() *Session {
	return m.s
}

// Can reports whether ev is legal in the current state.
func (m *Machine) Can(ev Event) bool {
	return m.fsm.Can(string(ev))
}

// Fire applies ev at time now. Illegal transitions return *InvalidStateError
// and leave the session untouched.
func (m *Machine) Fire(ev Event, now time.Time) error {
	err := m.fsm.Event(context.Background(), string(ev), now)
	var same fsm.NoTransitionError
	if errors.As(err, &same) && ev == EventRetry {
		return nil
	}
	if err != nil {
		return &InvalidStateError{Entity: "session", ID: m.s.ID, State: m.fsm.Current(), Op: string(ev)}
	}
	return nil
}
