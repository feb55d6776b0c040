package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskvisor/taskvisor/internal/session"
	"github.com/taskvisor/taskvisor/internal/task"
)

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// RetryController decides whether a failed attempt is retried.
type RetryController struct {
	maxRetries int
	delay      time.Duration
}

// NewRetryController creates a controller with a fixed delay between attempts.
func NewRetryController(maxRetries int, delay time.Duration) *RetryController {
	return &RetryController{maxRetries: maxRetries, delay: delay}
}

// Policy returns a fresh per-session backoff policy. It yields the fixed
// delay at most maxRetries times, then backoff.Stop.
func (c *RetryController) Policy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(c.maxRetries))
}

// Decide consumes one step of policy when the error is retryable.
// Non-recoverable errors never touch the policy.
func (c *RetryController) Decide(s *session.Session, execErr *session.ExecutionError, policy backoff.BackOff) Decision {
	if execErr == nil {
		return Decision{Reason: "no error"}
	}
	if !execErr.Recoverable {
		return Decision{Reason: fmt.Sprintf("non-recoverable %s error", execErr.Kind)}
	}
	if s.RetryCount >= s.MaxRetries {
		return Decision{Reason: fmt.Sprintf("retries exhausted (%d/%d)", s.RetryCount, s.MaxRetries)}
	}
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		return Decision{Reason: fmt.Sprintf("retries exhausted (%d/%d)", s.RetryCount, s.MaxRetries)}
	}
	return Decision{
		Retry:  true,
		Delay:  delay,
		Reason: fmt.Sprintf("recoverable %s error, retry %d/%d", execErr.Kind, s.RetryCount+1, s.MaxRetries),
	}
}

// BreakerRegistry holds one circuit breaker per task category.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[task.Category]*gobreaker.CircuitBreaker
	threshold int
	cooldown  time.Duration
	logger    *zap.Logger
}

// NewBreakerRegistry creates a registry. A threshold of zero disables breakers.
func NewBreakerRegistry(threshold int, cooldown time.Duration, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[task.Category]*gobreaker.CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

// Get returns the breaker for category, creating it on first use.
// Returns nil when breakers are disabled.
func (r *BreakerRegistry) Get(category task.Category) *gobreaker.CircuitBreaker {
	if r == nil || r.threshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[category]; ok {
		return cb
	}

	threshold := uint32(r.threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(category),
		MaxRequests: 1, // One probe in half-open state
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("category", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not an executor failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[category] = cb
	return cb
}

// State reports the breaker state for category. Disabled or unused breakers are closed.
func (r *BreakerRegistry) State(category task.Category) gobreaker.State {
	if r == nil || r.threshold <= 0 {
		return gobreaker.StateClosed
	}
	r.mu.Lock()
	cb, ok := r.breakers[category]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
