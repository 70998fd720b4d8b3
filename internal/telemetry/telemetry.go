// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and owns the gateway's pipeline instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope for all gateway instruments.
const scope = "github.com/batvault/batvault"

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators so incoming
	// traceparent headers connect gateway spans to the caller's trace and
	// outgoing Memory API calls carry it forward.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the gateway's instrumentation scope.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(scope)
}

// Tracer returns the global tracer for the gateway's instrumentation scope.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(scope)
}

// PipelineMetrics holds the instruments recorded per query.
type PipelineMetrics struct {
	StageDuration metric.Float64Histogram
	Fallbacks     metric.Int64Counter
	Truncations   metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the global meter.
// With OTEL disabled these are no-op instruments, so callers record
// unconditionally.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	m := Meter()

	stage, err := m.Float64Histogram("batvault.pipeline.stage.duration",
		metric.WithDescription("Per-stage latency of the query pipeline"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: stage histogram: %w", err)
	}
	fallbacks, err := m.Int64Counter("batvault.pipeline.fallbacks",
		metric.WithDescription("Answers served by the deterministic templater"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: fallback counter: %w", err)
	}
	truncations, err := m.Int64Counter("batvault.selector.truncations",
		metric.WithDescription("Evidence bundles pruned to fit the prompt budget"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: truncation counter: %w", err)
	}

	return &PipelineMetrics{
		StageDuration: stage,
		Fallbacks:     fallbacks,
		Truncations:   truncations,
	}, nil
}

// RecordStage records one stage's elapsed time.
func (p *PipelineMetrics) RecordStage(ctx context.Context, stage string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.StageDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("stage", stage)))
}
