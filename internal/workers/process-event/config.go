package processevent

import (
	"time"

	"notification-pipeline/internal/common/config"
)

type Config struct {
	MaxJobsActive int
	Timeout       time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	c := &Config{
		MaxJobsActive: cfg.Camunda.MaxJobsActive,
		Timeout:       time.Duration(cfg.Camunda.Timeout) * time.Millisecond,
	}
	if c.MaxJobsActive <= 0 {
		c.MaxJobsActive = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}
