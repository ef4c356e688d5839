// Package observability provides OpenTelemetry tracing for the stage graph engine.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of engine spans.
const TracerName = "github.com/jeeves-cluster-organization/stagegraph"

// InitTracer initializes OpenTelemetry tracing with OTLP exporter.
// Returns a shutdown function that must be called on service termination.
func InitTracer(serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("failed to create trace exporter: empty endpoint")
	}
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartRunSpan starts the span covering a whole graph run.
func StartRunSpan(ctx context.Context, pipeline, runID string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "stagegraph.run",
		oteltrace.WithAttributes(
			attribute.String("stagegraph.pipeline", pipeline),
			attribute.String("stagegraph.run_id", runID),
		),
	)
}

// StartStageSpan starts the span covering one stage invocation.
func StartStageSpan(ctx context.Context, stage, runID string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "stagegraph.stage."+stage,
		oteltrace.WithAttributes(
			attribute.String("stagegraph.stage", stage),
			attribute.String("stagegraph.run_id", runID),
		),
	)
}

// EndSpan closes a span, marking it as failed when err is non-nil.
func EndSpan(span oteltrace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
