// Package observability records scheduler metrics through the OpenTelemetry
// metric API, exported in Prometheus format.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
)

// SchedulerMetrics is the recorder the scheduler loop reports into.
type SchedulerMetrics struct {
	meterProvider *metric.MeterProvider
	ticks         otelmetric.Int64Counter
	claims        otelmetric.Int64Counter
	tickDuration  otelmetric.Float64Histogram
}

// New registers the exporter with the default Prometheus registry, so the
// instruments appear on the /metrics endpoint.
func New(serviceName string) (*SchedulerMetrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newWithMeter(provider.Meter(serviceName))
	if err != nil {
		return nil, err
	}
	m.meterProvider = provider
	return m, nil
}

// NewNoop returns a recorder that discards everything.
func NewNoop() *SchedulerMetrics {
	m, _ := newWithMeter(noop.NewMeterProvider().Meter("noop"))
	return m
}

func newWithMeter(meter otelmetric.Meter) (*SchedulerMetrics, error) {
	ticks, err := meter.Int64Counter(
		"scheduler.ticks",
		otelmetric.WithDescription("Scheduler scans by outcome"),
	)
	if err != nil {
		return nil, err
	}

	claims, err := meter.Int64Counter(
		"scheduler.claims",
		otelmetric.WithDescription("Due notifications claimed and published, by result"),
	)
	if err != nil {
		return nil, err
	}

	tickDuration, err := meter.Float64Histogram(
		"scheduler.tick.duration",
		otelmetric.WithDescription("Scheduler scan duration"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{
		ticks:        ticks,
		claims:       claims,
		tickDuration: tickDuration,
	}, nil
}

// RecordTick counts one scan and its duration. outcome is "ok", "skipped"
// (lease held elsewhere) or "error".
func (m *SchedulerMetrics) RecordTick(ctx context.Context, outcome string, duration time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("outcome", outcome))
	m.ticks.Add(ctx, 1, attrs)
	m.tickDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordClaim counts one row. result is "published", "lost" (another
// instance won the claim) or "released".
func (m *SchedulerMetrics) RecordClaim(ctx context.Context, result string) {
	m.claims.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", result)))
}

func (m *SchedulerMetrics) Shutdown(ctx context.Context) error {
	if m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}
