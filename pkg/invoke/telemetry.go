package invoke

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bturcanu/plugwire/pkg/invoke"

type telemetry struct {
	tracer   trace.Tracer
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

// newTelemetry binds to the global providers installed by pkg/otel. Without
// Setup they are no-ops.
func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}
	var err error
	if t.count, err = meter.Int64Counter("plugwire.invocations",
		metric.WithDescription("Adapter invocations by outcome."),
	); err != nil {
		otel.Handle(err)
	}
	if t.duration, err = meter.Float64Histogram("plugwire.invocation.duration",
		metric.WithDescription("Adapter invocation latency."),
		metric.WithUnit("s"),
	); err != nil {
		otel.Handle(err)
	}
	return t
}

func (t *telemetry) record(ctx context.Context, adapter, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("adapter", adapter),
		attribute.String("outcome", outcome),
	)
	if t.count != nil {
		t.count.Add(ctx, 1, attrs)
	}
	if t.duration != nil {
		t.duration.Record(ctx, d.Seconds(), attrs)
	}
}
