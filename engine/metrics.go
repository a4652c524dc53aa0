package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for darkroom metrics.
const meterName = "github.com/xraph/darkroom"

// metrics holds the engine's OTel instruments. Instruments are created
// once at engine construction. On error the OTel API returns noop
// instruments, so metrics degrade gracefully when no MeterProvider is
// configured.
type metrics struct {
	jobsCreated        metric.Int64Counter
	jobsCompleted      metric.Int64Counter
	itemResults        metric.Int64Counter
	callbacksThrottled metric.Int64Counter
	flushes            metric.Int64Counter
	reservesDenied     metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	m := &metrics{}

	m.jobsCreated, _ = meter.Int64Counter(
		"darkroom.jobs.created",
		metric.WithDescription("Total number of jobs created"),
		metric.WithUnit("{job}"),
	)
	m.jobsCompleted, _ = meter.Int64Counter(
		"darkroom.jobs.completed",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
		metric.WithUnit("{job}"),
	)
	m.itemResults, _ = meter.Int64Counter(
		"darkroom.items.results",
		metric.WithDescription("Total number of item result callbacks applied"),
		metric.WithUnit("{result}"),
	)
	m.callbacksThrottled, _ = meter.Int64Counter(
		"darkroom.callbacks.throttled",
		metric.WithDescription("Total number of callbacks rejected by the rate limiter"),
		metric.WithUnit("{callback}"),
	)
	m.flushes, _ = meter.Int64Counter(
		"darkroom.flushes",
		metric.WithDescription("Total number of durable flushes"),
		metric.WithUnit("{flush}"),
	)
	m.reservesDenied, _ = meter.Int64Counter(
		"darkroom.reserves.denied",
		metric.WithDescription("Total number of denied resource reservations"),
		metric.WithUnit("{reserve}"),
	)

	return m
}

func globalMetrics() *metrics {
	return newMetrics(otel.Meter(meterName))
}

func statusAttr(status string) metric.AddOption {
	return metric.WithAttributes(attribute.String("status", status))
}

func reasonAttr(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

func (m *metrics) addFlush(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.flushes.Add(ctx, 1, statusAttr(status))
}
