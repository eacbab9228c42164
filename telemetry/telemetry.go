// Package telemetry instruments the run engine with OpenTelemetry metrics
// and traces. Instruments register against the global providers; configure
// those before use (typically via clue's otel setup) or the calls are no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/pulldigest/pulldigest"

type (
	// Metrics records engine instrumentation. All methods are safe on a nil
	// receiver so callers can wire metrics optionally.
	Metrics struct {
		runs          metric.Int64Counter
		deliveries    metric.Int64Counter
		modelCalls    metric.Int64Counter
		runDuration   metric.Float64Histogram
		stageDuration metric.Float64Histogram
	}
)

// NewMetrics registers the engine instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter(scopeName)
	m := &Metrics{}
	m.runs, _ = meter.Int64Counter("digest.runs",
		metric.WithDescription("Completed digest runs by status"))
	m.deliveries, _ = meter.Int64Counter("digest.deliveries",
		metric.WithDescription("Digest email deliveries by status"))
	m.modelCalls, _ = meter.Int64Counter("digest.model_calls",
		metric.WithDescription("Model completion calls by outcome"))
	m.runDuration, _ = meter.Float64Histogram("digest.run_duration_seconds",
		metric.WithDescription("Wall-clock duration of digest runs"),
		metric.WithUnit("s"))
	m.stageDuration, _ = meter.Float64Histogram("digest.stage_duration_seconds",
		metric.WithDescription("Wall-clock duration of pipeline stages"),
		metric.WithUnit("s"))
	return m
}

// RecordRun counts a completed run and its duration, labeled by terminal
// status.
func (m *Metrics) RecordRun(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDelivery counts a delivery attempt labeled by its recorded status.
func (m *Metrics) RecordDelivery(ctx context.Context, status string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordModelCall counts a model completion attempt.
func (m *Metrics) RecordModelCall(ctx context.Context, ok bool) {
	if m == nil || m.modelCalls == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.modelCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}
