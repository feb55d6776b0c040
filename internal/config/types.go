package config

import (
	"time"

	"github.com/taskvisor/taskvisor/internal/anomaly"
)

// NotificationsConfig toggles which outcomes are forwarded to external sinks.
type NotificationsConfig struct {
	OnTaskComplete bool `json:"on_task_complete" yaml:"on_task_complete" mapstructure:"on_task_complete"`
	OnTaskFailure  bool `json:"on_task_failure" yaml:"on_task_failure" mapstructure:"on_task_failure"`
	OnAnomaly      bool `json:"on_anomaly" yaml:"on_anomaly" mapstructure:"on_anomaly"`
	OnStatusChange bool `json:"on_status_change" yaml:"on_status_change" mapstructure:"on_status_change"`
}

// SupervisionConfig bounds execution: timeouts, retries, quality gate and concurrency.
type SupervisionConfig struct {
	TaskTimeout        time.Duration       `json:"task_timeout" yaml:"task_timeout" mapstructure:"task_timeout"`
	TotalTimeout       time.Duration       `json:"total_timeout" yaml:"total_timeout" mapstructure:"total_timeout"`
	MaxRetries         int                 `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay         time.Duration       `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
	MinQualityScore    float64             `json:"min_quality_score" yaml:"min_quality_score" mapstructure:"min_quality_score"`
	MinTestCoverage    float64             `json:"min_test_coverage" yaml:"min_test_coverage" mapstructure:"min_test_coverage"`
	MaxConcurrentTasks int                 `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	Notifications      NotificationsConfig `json:"notifications" yaml:"notifications" mapstructure:"notifications"`

	// BreakerThreshold is the number of consecutive failures per category
	// that opens the circuit breaker. Zero disables breakers.
	BreakerThreshold int           `json:"breaker_threshold" yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// ExecutorConfig maps task categories to the shell command that executes them.
type ExecutorConfig struct {
	Shell          string            `json:"shell" yaml:"shell" mapstructure:"shell"`
	Commands       map[string]string `json:"commands" yaml:"commands" mapstructure:"commands"` // Category -> command line
	QualityCommand string            `json:"quality_command,omitempty" yaml:"quality_command,omitempty" mapstructure:"quality_command"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// EventsConfig configures the broadcaster and the optional NATS sink.
type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty" yaml:"nats_url,omitempty" mapstructure:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" mapstructure:"subject_prefix"`
	Recent        int    `json:"recent" yaml:"recent" mapstructure:"recent"` // Events retained by the local sink
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // console or json
}

// Config is the top-level configuration.
type Config struct {
	Supervision SupervisionConfig `json:"supervision" yaml:"supervision" mapstructure:"supervision"`
	Executor    ExecutorConfig    `json:"executor" yaml:"executor" mapstructure:"executor"`
	Store       StoreConfig       `json:"store" yaml:"store" mapstructure:"store"`
	Events      EventsConfig      `json:"events" yaml:"events" mapstructure:"events"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Log         LogConfig         `json:"log" yaml:"log" mapstructure:"log"`

	// Rules are anomaly rules. When empty the stock rules derived from
	// Supervision are used.
	Rules []anomaly.Rule `json:"rules,omitempty" yaml:"rules,omitempty" mapstructure:"rules"`
}

// AnomalyRules returns the configured rules, or the stock set.
func (c *Config) AnomalyRules() []anomaly.Rule {
	if len(c.Rules) > 0 {
		return c.Rules
	}
	return anomaly.DefaultRules(c.Supervision.TaskTimeout, c.Supervision.MinQualityScore)
}
