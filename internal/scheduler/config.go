package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/tontine/internal/config"
)

// Config controls job cadence. Batch sizes come from the engine policy so
// operators can retune them without a restart.
type Config struct {
	DispatchInterval time.Duration
	SweepInterval    time.Duration
	RecoveryInterval time.Duration
	RollupInterval   time.Duration
	EventInterval    time.Duration
	RateInterval     time.Duration
	JobTimeout       time.Duration
	SweepLockTTL     time.Duration
	// EnabledJobs restricts the instance to a subset of jobs. Empty runs
	// everything (monolith mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		DispatchInterval: 15 * time.Second,
		SweepInterval:    5 * time.Minute,
		RecoveryInterval: 10 * time.Minute,
		RollupInterval:   24 * time.Hour,
		EventInterval:    10 * time.Second,
		RateInterval:     15 * time.Minute,
		JobTimeout:       30 * time.Second,
		SweepLockTTL:     4 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaults.DispatchInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaults.RecoveryInterval
	}
	if c.RollupInterval <= 0 {
		c.RollupInterval = defaults.RollupInterval
	}
	if c.EventInterval <= 0 {
		c.EventInterval = defaults.EventInterval
	}
	if c.RateInterval <= 0 {
		c.RateInterval = defaults.RateInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.SweepLockTTL <= 0 {
		c.SweepLockTTL = defaults.SweepLockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config, holder *config.EngineConfigHolder) Config {
	c := DefaultConfig()
	if cfg.SchedulerJobs != "" {
		for _, job := range strings.Split(cfg.SchedulerJobs, ",") {
			if trimmed := strings.TrimSpace(job); trimmed != "" {
				c.EnabledJobs = append(c.EnabledJobs, trimmed)
			}
		}
	}
	if holder != nil {
		if minutes := holder.Get().Rates.RefreshMinutes; minutes > 0 {
			c.RateInterval = time.Duration(minutes) * time.Minute
		}
	}
	return c
}
