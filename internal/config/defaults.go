package config

import (
	"time"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Supervision: SupervisionConfig{
			TaskTimeout:        30 * time.Minute,
			TotalTimeout:       4 * time.Hour,
			MaxRetries:         3,
			RetryDelay:         5 * time.Second,
			MinQualityScore:    70,
			MinTestCoverage:    80,
			MaxConcurrentTasks: 3,
			Notifications: NotificationsConfig{
				OnTaskComplete: true,
				OnTaskFailure:  true,
				OnAnomaly:      true,
				OnStatusChange: false,
			},
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		Executor: ExecutorConfig{
			Shell:    "sh",
			Commands: map[string]string{},
		},
		Store: StoreConfig{
			Path: ".taskvisor/taskvisor.db",
		},
		Events: EventsConfig{
			SubjectPrefix: "taskvisor",
			Recent:        256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
