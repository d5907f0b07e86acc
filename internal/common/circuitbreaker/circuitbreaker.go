// Package circuitbreaker builds the breakers guarding outbound HTTP calls.
package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"

	"notification-pipeline/internal/common/logger"
)

// New returns a breaker that opens after three consecutive or three total
// failures within a 10s window and probes again after a minute.
func New(name string, log logger.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     1 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3 || counts.TotalFailures >= 3
		},
	}
	if log != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}
	return gobreaker.NewCircuitBreaker(settings)
}
