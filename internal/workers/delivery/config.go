package delivery

import (
	"time"

	"notification-pipeline/internal/common/config"
	"notification-pipeline/internal/models"
)

type Config struct {
	Channel         models.ChannelType
	MaxRedeliveries int
	RatePerSec      float64
	Burst           int
	SendTimeout     time.Duration
}

// LoadConfig builds the worker config for one channel queue.
func LoadConfig(cfg *config.Config, channel models.ChannelType) *Config {
	c := &Config{
		Channel:         channel,
		MaxRedeliveries: cfg.RabbitMQ.MaxRedeliveries,
		RatePerSec:      cfg.Delivery.RatePerSec,
		Burst:           cfg.Delivery.Burst,
		SendTimeout:     time.Duration(cfg.Delivery.SendTimeout) * time.Millisecond,
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}
