package session

import (
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Status is the lifecycle state of an execution session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Result is what an Executor returns on success.
type Result struct {
	Output    string             `json:"output,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
	APICalls  int                `json:"api_calls"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// QualityReport is the optional signal attached by a QualityChecker.
type QualityReport struct {
	Score      float64 `json:"score"`
	Passed     bool    `json:"passed"`
	Coverage   float64 `json:"coverage"`
	GatePassed bool    `json:"gate_passed"` // Score and coverage meet the configured minimums
}

// Attempt records one invocation of the Executor within a session.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"` // "ok", an ErrorKind, or "cancelled"
	APICalls  int       `json:"api_calls"`
}

// Session is one supervised attempt lineage for a task.
// It is mutated in place across retries and never deleted.
type Session struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Result      *Result          `json:"result,omitempty"`
	Errors      []ExecutionError `json:"errors"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Attempts    []Attempt        `json:"attempts"`
	APICalls    int              `json:"api_calls"`
	Quality     *QualityReport   `json:"quality,omitempty"`
	Progress    float64          `json:"progress"`
	Transitions int              `json:"transitions"` // Incremented on every state change
}

// New creates a pending session.
func New(id, taskID string, maxRetries int, now time.Time) *Session {
	return &Session{
		ID:         id,
		TaskID:     taskID,
		Status:     StatusPending,
		CreatedAt:  now,
		MaxRetries: maxRetries,
	}
}

// Duration is the running span: completion (or now while running) minus start.
// Zero if the session never started.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.CompletedAt
	if end.IsZero() {
		end = now
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// RecordError appends an execution error.
func (s *Session) RecordError(e ExecutionError) {
	s.Errors = append(s.Errors, e)
}

// ErrorsSince counts errors recorded at or after t.
func (s *Session) ErrorsSince(t time.Time) int {
	n := 0
	for _, e := range s.Errors {
		if !e.At.Before(t) {
			n++
		}
	}
	return n
}

// ErrorRate is errors / max(apiCalls, 1).
func (s *Session) ErrorRate() float64 {
	return s.errorRate(len(s.Errors))
}

// ErrorRateSince is ErrorRate counting only errors recorded at or after t.
func (s *Session) ErrorRateSince(t time.Time) float64 {
	return s.errorRate(s.ErrorsSince(t))
}

func (s *Session) errorRate(errs int) float64 {
	return float64(errs) / float64(max(s.APICalls, 1))
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	var cp Session
	if err := deepcopy.Copy(&cp, s); err != nil {
		// Session holds only plain data; fall back to a shallow copy with owned slices.
		cp = *s
		cp.Errors = append([]ExecutionError(nil), s.Errors...)
		cp.Attempts = append([]Attempt(nil), s.Attempts...)
		if s.Result != nil {
			r := *s.Result
			r.Artifacts = append([]string(nil), s.Result.Artifacts...)
			r.Metrics = make(map[string]float64, len(s.Result.Metrics))
			for k, v := range s.Result.Metrics {
				r.Metrics[k] = v
			}
			cp.Result = &r
		}
		if s.Quality != nil {
			q := *s.Quality
			cp.Quality = &q
		}
	}
	return &cp
}
