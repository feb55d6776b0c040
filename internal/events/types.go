package events

import (
	"time"

	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/status"
	"github.com/taskvisor/taskvisor/internal/task"
)

// Kind identifies an event type.
type Kind string

const (
	KindTaskStarted    Kind = "task_started"
	KindTaskProgress   Kind = "task_progress"
	KindTaskCompleted  Kind = "task_completed"
	KindTaskFailed     Kind = "task_failed"
	KindSessionCreated Kind = "session_created"
	KindSessionUpdate  Kind = "session_update"
	KindErrorDetected  Kind = "error_detected"
	KindQualityAlert   Kind = "quality_alert"
	KindSystemStatus   Kind = "system_status"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindTaskStarted, KindTaskProgress, KindTaskCompleted, KindTaskFailed,
	KindSessionCreated, KindSessionUpdate, KindErrorDetected, KindQualityAlert, KindSystemStatus,
}

// Event is the base interface for all events.
type Event interface {
	Kind() Kind
	TaskID() string
	Time() time.Time
}

// TaskStartedEvent is published when an attempt begins execution.
type TaskStartedEvent struct {
	ID        string        `json:"task_id"`
	SessionID string        `json:"session_id"`
	Name      string        `json:"name"`
	Category  task.Category `json:"category"`
	Attempt   int           `json:"attempt"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskStartedEvent) Kind() Kind      { return KindTaskStarted }
func (e TaskStartedEvent) TaskID() string  { return e.ID }
func (e TaskStartedEvent) Time() time.Time { return e.Timestamp }

// TaskProgressEvent is published when an executor reports partial progress.
type TaskProgressEvent struct {
	ID        string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Fraction  float64   `json:"fraction"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskProgressEvent) Kind() Kind      { return KindTaskProgress }
func (e TaskProgressEvent) TaskID() string  { return e.ID }
func (e TaskProgressEvent) Time() time.Time { return e.Timestamp }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string                 `json:"task_id"`
	SessionID string                 `json:"session_id"`
	Duration  time.Duration          `json:"duration"`
	Attempts  int                    `json:"attempts"`
	Quality   *session.QualityReport `json:"quality,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e TaskCompletedEvent) Kind() Kind      { return KindTaskCompleted }
func (e TaskCompletedEvent) TaskID() string  { return e.ID }
func (e TaskCompletedEvent) Time() time.Time { return e.Timestamp }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	ID        string                  `json:"task_id"`
	SessionID string                  `json:"session_id"`
	Status    session.Status          `json:"status"` // failed or timeout
	Err       *session.ExecutionError `json:"error,omitempty"`
	Duration  time.Duration           `json:"duration"`
	Timestamp time.Time               `json:"timestamp"`
}

func (e TaskFailedEvent) Kind() Kind      { return KindTaskFailed }
func (e TaskFailedEvent) TaskID() string  { return e.ID }
func (e TaskFailedEvent) Time() time.Time { return e.Timestamp }

// SessionCreatedEvent is published when a task is admitted.
type SessionCreatedEvent struct {
	SessionID string    `json:"session_id"`
	ID        string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SessionCreatedEvent) Kind() Kind      { return KindSessionCreated }
func (e SessionCreatedEvent) TaskID() string  { return e.ID }
func (e SessionCreatedEvent) Time() time.Time { return e.Timestamp }

// SessionUpdateEvent is published on every session state change and retry.
type SessionUpdateEvent struct {
	SessionID  string         `json:"session_id"`
	ID         string         `json:"task_id"`
	Status     session.Status `json:"status"`
	RetryCount int            `json:"retry_count"`
	Transition int            `json:"transition"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (e SessionUpdateEvent) Kind() Kind      { return KindSessionUpdate }
func (e SessionUpdateEvent) TaskID() string  { return e.ID }
func (e SessionUpdateEvent) Time() time.Time { return e.Timestamp }

// ErrorDetectedEvent is published for every recorded execution error.
type ErrorDetectedEvent struct {
	ID        string                 `json:"task_id"`
	SessionID string                 `json:"session_id"`
	Err       session.ExecutionError `json:"error"`
	WillRetry bool                   `json:"will_retry"`
	RetryIn   time.Duration          `json:"retry_in,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e ErrorDetectedEvent) Kind() Kind      { return KindErrorDetected }
func (e ErrorDetectedEvent) TaskID() string  { return e.ID }
func (e ErrorDetectedEvent) Time() time.Time { return e.Timestamp }

// QualityAlertEvent is published by anomaly rules with an alert action.
type QualityAlertEvent struct {
	ID        string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	RuleID    string    `json:"rule_id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QualityAlertEvent) Kind() Kind      { return KindQualityAlert }
func (e QualityAlertEvent) TaskID() string  { return e.ID }
func (e QualityAlertEvent) Time() time.Time { return e.Timestamp }

// SystemStatusEvent carries a fresh status snapshot.
type SystemStatusEvent struct {
	Snapshot status.Snapshot `json:"snapshot"`
}

func (e SystemStatusEvent) Kind() Kind      { return KindSystemStatus }
func (e SystemStatusEvent) TaskID() string  { return "" }
func (e SystemStatusEvent) Time() time.Time { return e.Snapshot.GeneratedAt }
