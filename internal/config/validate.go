package config

import (
	"fmt"
	"strings"

	"github.com/taskvisor/taskvisor/internal/anomaly"
	"github.com/taskvisor/taskvisor/internal/task"
)

// ConfigError reports an out-of-range or malformed setting. Values are
// never clamped silently.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Validate checks every bound and the anomaly rules. Rules are replaced by
// their prepared form, with generated IDs and filled payloads.
func (c *Config) Validate() error {
	if err := c.Supervision.Validate(); err != nil {
		return err
	}

	for name := range c.Executor.Commands {
		if _, err := task.ParseCategory(name); err != nil {
			return &ConfigError{Field: "executor.commands", Value: name, Reason: "unknown task category"}
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "log.level", Value: c.Log.Level, Reason: "must be debug, info, warn or error"}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return &ConfigError{Field: "log.format", Value: c.Log.Format, Reason: "must be console or json"}
	}

	if len(c.Rules) > 0 {
		rules, err := anomaly.Prepare(c.Rules)
		if err != nil {
			return &ConfigError{Field: "rules", Value: len(c.Rules), Reason: err.Error()}
		}
		c.Rules = rules
	}
	return nil
}

// Validate checks the supervision bounds.
func (s SupervisionConfig) Validate() error {
	switch {
	case s.TaskTimeout <= 0:
		return &ConfigError{Field: "supervision.task_timeout", Value: s.TaskTimeout, Reason: "must be positive"}
	case s.TotalTimeout <= 0:
		return &ConfigError{Field: "supervision.total_timeout", Value: s.TotalTimeout, Reason: "must be positive"}
	case s.MaxRetries < 0:
		return &ConfigError{Field: "supervision.max_retries", Value: s.MaxRetries, Reason: "must not be negative"}
	case s.RetryDelay < 0:
		return &ConfigError{Field: "supervision.retry_delay", Value: s.RetryDelay, Reason: "must not be negative"}
	case s.MinQualityScore < 0 || s.MinQualityScore > 100:
		return &ConfigError{Field: "supervision.min_quality_score", Value: s.MinQualityScore, Reason: "must be within [0, 100]"}
	case s.MinTestCoverage < 0 || s.MinTestCoverage > 100:
		return &ConfigError{Field: "supervision.min_test_coverage", Value: s.MinTestCoverage, Reason: "must be within [0, 100]"}
	case s.MaxConcurrentTasks < 1:
		return &ConfigError{Field: "supervision.max_concurrent_tasks", Value: s.MaxConcurrentTasks, Reason: "must be at least 1"}
	case s.BreakerThreshold < 0:
		return &ConfigError{Field: "supervision.breaker_threshold", Value: s.BreakerThreshold, Reason: "must not be negative"}
	case s.BreakerCooldown < 0:
		return &ConfigError{Field: "supervision.breaker_cooldown", Value: s.BreakerCooldown, Reason: "must not be negative"}
	}
	return nil
}
