package scheduler

import (
	"time"

	"github.com/smallbiznis/autocompta/internal/config"
)

// Config controls scheduler intervals, timeouts and batch sizes.
type Config struct {
	RunInterval       time.Duration
	EnabledJobs       []string
	SyncTimeout       time.Duration
	ReconcileTimeout  time.Duration
	RecoveryTimeout   time.Duration
	RecoveryThreshold time.Duration
	RecoveryBatchSize int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       15 * time.Minute,
		SyncTimeout:       10 * time.Minute,
		ReconcileTimeout:  5 * time.Minute,
		RecoveryTimeout:   30 * time.Second,
		RecoveryThreshold: 15 * time.Minute,
		RecoveryBatchSize: 200,
	}
}

// ProvideConfig maps the process configuration onto the scheduler.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SchedulerTick,
		EnabledJobs: cfg.SchedulerJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaults.SyncTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = defaults.RecoveryBatchSize
	}
	return c
}
