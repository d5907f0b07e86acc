package scheduler

import (
	"time"

	"notification-pipeline/internal/common/config"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	UseLease     bool
	LeaseTTL     time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	c := &Config{
		PollInterval: time.Duration(cfg.Scheduler.PollInterval) * time.Millisecond,
		BatchSize:    cfg.Scheduler.BatchSize,
		UseLease:     cfg.Scheduler.UseLease,
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	// The lease outlives a normal scan but expires before the next
	// interval if its holder dies.
	c.LeaseTTL = c.PollInterval * 9 / 10
	return c
}
