package supervisor

import (
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/events"
)

// actionHandler carries out anomaly actions on behalf of the supervisor.
// It runs after the state lock is released.
type actionHandler struct {
	s *Supervisor
}

func (h actionHandler) Alert(f anomaly.Finding, a anomaly.AlertAction) {
	msg := a.Message
	if msg == "" {
		msg = f.Message
	}
	h.s.bus.Publish(events.QualityAlertEvent{
		ID:        f.TaskID,
		SessionID: f.SessionID,
		RuleID:    f.RuleID,
		Severity:  string(f.Severity),
		Message:   msg,
		Value:     f.Value,
		Threshold: f.Threshold,
		Timestamp: h.s.clock.Now(),
	})
}

// Retry is advisory: the retry controller alone schedules attempts.
func (h actionHandler) Retry(f anomaly.Finding, a anomaly.RetryAction) {
	h.s.logger.Info("retry advised",
		zap.String("rule", f.RuleID),
		zap.String("session", f.SessionID),
		zap.String("note", a.Note))
}

func (h actionHandler) Abort(f anomaly.Finding, a anomaly.AbortAction) {
	reason := a.Reason
	if reason == "" {
		reason = f.Message
	}
	h.s.abort(f.SessionID, "rule "+f.RuleID+": "+reason)
}

func (h actionHandler) Escalate(f anomaly.Finding, a anomaly.EscalateAction) {
	h.s.logger.Warn("escalation",
		zap.String("rule", f.RuleID),
		zap.String("session", f.SessionID),
		zap.String("task", f.TaskID),
		zap.String("target", a.Target),
		zap.String("message", a.Message))
	if h.s.onEscalate != nil {
		h.s.onEscalate(f, a)
	}
}
