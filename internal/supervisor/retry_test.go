package supervisor

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/task"
)

func TestRetryControllerDecide(t *testing.T) {
	c := NewRetryController(2, 5*time.Second)
	recoverable := session.NewExecutionError(session.KindAPI, true, "rate limited")
	fatal := session.NewExecutionError(session.KindSyntax, false, "bad input")

	tests := []struct {
		name       string
		retryCount int
		err        *session.ExecutionError
		wantRetry  bool
	}{
		{"recoverable first failure", 0, recoverable, true},
		{"recoverable last retry", 1, recoverable, true},
		{"retries exhausted", 2, recoverable, false},
		{"non-recoverable", 0, fatal, false},
		{"nil error", 0, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session.New("s1", "t1", 2, t0)
			s.RetryCount = tt.retryCount
			d := c.Decide(s, tt.err, c.Policy())
			assert.Equal(t, tt.wantRetry, d.Retry, d.Reason)
			if d.Retry {
				assert.Equal(t, 5*time.Second, d.Delay)
			}
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestRetryPolicyStops(t *testing.T) {
	c := NewRetryController(2, time.Second)
	s := session.New("s1", "t1", 10, t0) // Session allows more than the policy
	policy := c.Policy()
	err := session.NewExecutionError(session.KindAPI, true, "rate limited")

	assert.True(t, c.Decide(s, err, policy).Retry)
	assert.True(t, c.Decide(s, err, policy).Retry)
	assert.False(t, c.Decide(s, err, policy).Retry)
}

func TestBreakerRegistry(t *testing.T) {
	disabled := NewBreakerRegistry(0, time.Minute, zap.NewNop())
	assert.Nil(t, disabled.Get(task.CategoryBackend))
	assert.Equal(t, gobreaker.StateClosed, disabled.State(task.CategoryBackend))

	r := NewBreakerRegistry(2, time.Minute, zap.NewNop())
	cb := r.Get(task.CategoryBackend)
	assert.Same(t, cb, r.Get(task.CategoryBackend))
	assert.NotSame(t, cb, r.Get(task.CategoryFrontend))

	fail := func() (interface{}, error) { return nil, session.NewExecutionError(session.KindAPI, true, "down") }
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, r.State(task.CategoryBackend))
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, r.State(task.CategoryBackend))
	assert.Equal(t, gobreaker.StateClosed, r.State(task.CategoryTesting))
}
