// Package metrics holds the Prometheus collectors for the delivery path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Time from message receipt to acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	DeliveriesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_deliveries_in_flight",
			Help: "Messages currently being processed per channel",
		},
		[]string{"channel"},
	)

	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_publishes_total",
			Help: "Queue publishes by queue and result",
		},
		[]string{"queue", "result"},
	)

	ShortenerLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_shortener_lookups_total",
			Help: "Short link resolutions by result (cache_hit, shortened, fallback)",
		},
		[]string{"result"},
	)
)

// Delivery outcome labels.
const (
	StatusSent       = "sent"
	StatusRetried    = "retried"
	StatusDeadLetter = "dead_letter"
)
