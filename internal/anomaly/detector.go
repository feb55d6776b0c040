package anomaly

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/session"
)

// Finding is a rule that fired for a session at a given transition.
type Finding struct {
	RuleID     string
	RuleName   string
	Severity   Severity
	Kind       ConditionKind
	SessionID  string
	TaskID     string
	Transition int
	Value      float64
	Threshold  float64
	Message    string
	Actions    []Action
}

// ActionHandler carries out triggered actions. Implementations must not block.
type ActionHandler interface {
	Alert(f Finding, a AlertAction)
	Retry(f Finding, a RetryAction)
	Abort(f Finding, a AbortAction)
	Escalate(f Finding, a EscalateAction)
}

type evalKey struct {
	sessionID  string
	ruleID     string
	transition int
}

// Detector evaluates rules against session telemetry once per transition.
type Detector struct {
	mu     sync.Mutex
	rules  []Rule
	seen   map[evalKey]bool
	logger *zap.Logger
}

// NewDetector creates a detector over rules. Rules are prepared with Prepare.
func NewDetector(rules []Rule, logger *zap.Logger) (*Detector, error) {
	prepared, err := Prepare(rules)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		rules:  prepared,
		seen:   make(map[evalKey]bool),
		logger: logger.Named("anomaly"),
	}, nil
}

// Rules returns a copy of the active rule set.
func (d *Detector) Rules() []Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Rule(nil), d.rules...)
}

// SetRules replaces the rule set.
func (d *Detector) SetRules(rules []Rule) error {
	prepared, err := Prepare(rules)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.rules = prepared
	d.mu.Unlock()
	return nil
}

// Evaluate checks every enabled rule against s at its current transition.
// A (session, rule, transition) triple fires at most once, so repeated
// calls for the same transition return nothing new.
func (d *Detector) Evaluate(s *session.Session, now time.Time) []Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	var findings []Finding
	for _, r := range d.rules {
		if !r.Enabled {
			continue
		}
		key := evalKey{sessionID: s.ID, ruleID: r.ID, transition: s.Transitions}
		if d.seen[key] {
			continue
		}
		d.seen[key] = true

		value, ok := observe(r.Condition, s, now)
		if !ok {
			continue
		}
		fired, err := r.Condition.Operator.Compare(value, r.Condition.Threshold)
		if err != nil {
			d.logger.Warn("rule evaluation failed", zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		if !fired {
			continue
		}

		findings = append(findings, Finding{
			RuleID:     r.ID,
			RuleName:   r.Name,
			Severity:   r.Severity,
			Kind:       r.Condition.Kind,
			SessionID:  s.ID,
			TaskID:     s.TaskID,
			Transition: s.Transitions,
			Value:      value,
			Threshold:  r.Condition.Threshold,
			Message: fmt.Sprintf("%s: %s %.2f %s %.2f",
				r.Name, r.Condition.Kind, value, r.Condition.Operator, r.Condition.Threshold),
			Actions: append([]Action(nil), r.Actions...),
		})
	}
	return findings
}

// Forget drops dedupe state for a session that will not transition again.
func (d *Detector) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if k.sessionID == sessionID {
			delete(d.seen, k)
		}
	}
}

// observe extracts the value a condition inspects. ok is false when the
// session carries no signal for it.
func observe(c Condition, s *session.Session, now time.Time) (float64, bool) {
	switch c.Kind {
	case ConditionTimeout:
		if s.StartedAt.IsZero() {
			return 0, false
		}
		return s.Duration(now).Seconds(), true
	case ConditionQualityDrop:
		if s.Quality == nil {
			return 0, false
		}
		return s.Quality.Score, true
	case ConditionErrorRate:
		if c.Window > 0 {
			return s.ErrorRateSince(now.Add(-c.Window)), true
		}
		return s.ErrorRate(), true
	}
	return 0, false
}

// Dispatch runs each finding's actions in order against h.
func Dispatch(findings []Finding, h ActionHandler) {
	for _, f := range findings {
		for _, a := range f.Actions {
			switch a.Kind {
			case ActionAlert:
				h.Alert(f, *a.Alert)
			case ActionRetry:
				h.Retry(f, *a.Retry)
			case ActionAbort:
				h.Abort(f, *a.Abort)
			case ActionEscalate:
				h.Escalate(f, *a.Escalate)
			}
		}
	}
}
