package anomaly

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConditionKind selects the telemetry a rule inspects.
type ConditionKind string

const (
	ConditionTimeout     ConditionKind = "timeout"      // Running duration, in seconds
	ConditionQualityDrop ConditionKind = "quality_drop" // Reported quality score
	ConditionErrorRate   ConditionKind = "error_rate"   // errors / max(apiCalls, 1)
)

// Operator compares an observed value against a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator as "value op threshold".
func (o Operator) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OpGreater:
		return value > threshold, nil
	case OpGreaterEqual:
		return value >= threshold, nil
	case OpLess:
		return value < threshold, nil
	case OpLessEqual:
		return value <= threshold, nil
	case OpEqual:
		return value == threshold, nil
	case OpNotEqual:
		return value != threshold, nil
	}
	return false, fmt.Errorf("unknown operator %q", o)
}

// Severity of a triggered rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Condition is the threshold check of a rule.
type Condition struct {
	Kind      ConditionKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	Threshold float64       `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Operator  Operator      `json:"operator" yaml:"operator" mapstructure:"operator"`
	// Window limits error_rate to errors recorded within the window. Zero means all.
	Window time.Duration `json:"window,omitempty" yaml:"window,omitempty" mapstructure:"window"`
}

// ActionKind names an action variant.
type ActionKind string

const (
	ActionAlert    ActionKind = "alert"
	ActionRetry    ActionKind = "retry"
	ActionAbort    ActionKind = "abort"
	ActionEscalate ActionKind = "escalate"
)

// AlertAction emits a quality alert event.
type AlertAction struct {
	Message string `json:"message,omitempty" yaml:"message,omitempty" mapstructure:"message"`
}

// RetryAction is advisory; the retry policy itself decides.
type RetryAction struct {
	Note string `json:"note,omitempty" yaml:"note,omitempty" mapstructure:"note"`
}

// AbortAction forces the session to failed, bypassing retries.
type AbortAction struct {
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty" mapstructure:"reason"`
}

// EscalateAction notifies a human target without changing state.
type EscalateAction struct {
	Target  string `json:"target,omitempty" yaml:"target,omitempty" mapstructure:"target"`
	Message string `json:"message,omitempty" yaml:"message,omitempty" mapstructure:"message"`
}

// Action is a tagged variant: exactly the field matching Kind is set.
type Action struct {
	Kind     ActionKind      `json:"kind" yaml:"kind" mapstructure:"kind"`
	Alert    *AlertAction    `json:"alert,omitempty" yaml:"alert,omitempty" mapstructure:"alert"`
	Retry    *RetryAction    `json:"retry,omitempty" yaml:"retry,omitempty" mapstructure:"retry"`
	Abort    *AbortAction    `json:"abort,omitempty" yaml:"abort,omitempty" mapstructure:"abort"`
	Escalate *EscalateAction `json:"escalate,omitempty" yaml:"escalate,omitempty" mapstructure:"escalate"`
}

func Alert(message string) Action {
	return Action{Kind: ActionAlert, Alert: &AlertAction{Message: message}}
}

func Retry(note string) Action {
	return Action{Kind: ActionRetry, Retry: &RetryAction{Note: note}}
}

func Abort(reason string) Action {
	return Action{Kind: ActionAbort, Abort: &AbortAction{Reason: reason}}
}

func Escalate(target, message string) Action {
	return Action{Kind: ActionEscalate, Escalate: &EscalateAction{Target: target, Message: message}}
}

// normalize fills a missing payload for the action's kind, so a bare
// `kind: abort` in a config file is accepted.
func (a *Action) normalize() {
	switch a.Kind {
	case ActionAlert:
		if a.Alert == nil {
			a.Alert = &AlertAction{}
		}
	case ActionRetry:
		if a.Retry == nil {
			a.Retry = &RetryAction{}
		}
	case ActionAbort:
		if a.Abort == nil {
			a.Abort = &AbortAction{}
		}
	case ActionEscalate:
		if a.Escalate == nil {
			a.Escalate = &EscalateAction{}
		}
	}
}

// Validate checks that only the payload for Kind is present.
func (a Action) Validate() error {
	set := 0
	for _, present := range []bool{a.Alert != nil, a.Retry != nil, a.Abort != nil, a.Escalate != nil} {
		if present {
			set++
		}
	}

	var ok bool
	switch a.Kind {
	case ActionAlert:
		ok = a.Alert != nil
	case ActionRetry:
		ok = a.Retry != nil
	case ActionAbort:
		ok = a.Abort != nil
	case ActionEscalate:
		ok = a.Escalate != nil
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if !ok || set != 1 {
		return fmt.Errorf("action %q must carry exactly its own payload", a.Kind)
	}
	return nil
}

// Rule is a threshold check over session telemetry with ordered actions.
type Rule struct {
	ID        string    `json:"id" yaml:"id" mapstructure:"id"`
	Name      string    `json:"name" yaml:"name" mapstructure:"name"`
	Enabled   bool      `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Condition Condition `json:"condition" yaml:"condition" mapstructure:"condition"`
	Actions   []Action  `json:"actions" yaml:"actions" mapstructure:"actions"`
	Severity  Severity  `json:"severity" yaml:"severity" mapstructure:"severity"`
}

// Validate rejects unknown kinds, operators and malformed actions.
func (r Rule) Validate() error {
	switch r.Condition.Kind {
	case ConditionTimeout, ConditionQualityDrop, ConditionErrorRate:
	default:
		return fmt.Errorf("rule %q: unknown condition kind %q", r.ID, r.Condition.Kind)
	}
	if _, err := r.Condition.Operator.Compare(0, 0); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	if r.Condition.Window < 0 {
		return fmt.Errorf("rule %q: window must not be negative", r.ID)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return fmt.Errorf("rule %q: unknown severity %q", r.ID, r.Severity)
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("rule %q action %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// Prepare assigns IDs to rules that lack one, fills bare action payloads
// and validates the set. The input slice is not modified.
func Prepare(rules []Rule) ([]Rule, error) {
	out := make([]Rule, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Severity == "" {
			r.Severity = SeverityWarning
		}
		actions := make([]Action, len(r.Actions))
		for j, a := range r.Actions {
			a.normalize()
			actions[j] = a
		}
		r.Actions = actions

		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		out[i] = r
	}
	return out, nil
}

// DefaultRules is the stock rule set: long-running sessions, quality below
// the minimum score, and a high error rate.
func DefaultRules(taskTimeout time.Duration, minQualityScore float64) []Rule {
	return []Rule{
		{
			ID:      "long-running",
			Name:    "Session running longer than 80% of the task timeout",
			Enabled: true,
			Condition: Condition{
				Kind:      ConditionTimeout,
				Threshold: taskTimeout.Seconds() * 0.8,
				Operator:  OpGreater,
			},
			Actions:  []Action{Alert("session is close to its timeout")},
			Severity: SeverityWarning,
		},
		{
			ID:      "quality-drop",
			Name:    "Quality score below minimum",
			Enabled: true,
			Condition: Condition{
				Kind:      ConditionQualityDrop,
				Threshold: minQualityScore,
				Operator:  OpLess,
			},
			Actions:  []Action{Alert("quality score below minimum"), Retry("consider regenerating")},
			Severity: SeverityWarning,
		},
		{
			ID:      "high-error-rate",
			Name:    "Error rate above 30%",
			Enabled: true,
			Condition: Condition{
				Kind:      ConditionErrorRate,
				Threshold: 0.3,
				Operator:  OpGreater,
			},
			Actions:  []Action{Alert("error rate above 30%"), Escalate("operator", "session is failing repeatedly")},
			Severity: SeverityError,
		},
	}
}
