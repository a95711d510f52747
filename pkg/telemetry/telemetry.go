// Functions for working with OpenTelemetry across envdeploy binaries.

package telemetry

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"

	"github.com/nais/envdeploy/pkg/version"
)

// How long between each time OT sends something to the collector.
const batchTimeout = 5 * time.Second

const instrumentationName = "github.com/nais/envdeploy"

// Initialize the OpenTelemetry library.
//
// You MUST call `Shutdown()` on the tracer provider before exiting,
// lest traces are not sent to the collector.
func New(ctx context.Context, serviceName string, collectorEndpointURL string) (*trace.TracerProvider, error) {
	otel.SetTextMapPropagator(newPropagator())

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.OSName(runtime.GOOS),
		semconv.ServiceVersion(version.Version()),
	)

	tracerProvider, err := newTraceProvider(ctx, res, collectorEndpointURL)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, nil
}

// Returns the tracer used by all pipeline stages.
// Until New() has been called, spans are recorded by the no-op global provider.
func Tracer() otrace.Tracer {
	return otel.Tracer(instrumentationName)
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, endpointURL string) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpointURL))
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter,
			trace.WithBatchTimeout(batchTimeout)),
		trace.WithResource(res),
	)

	return traceProvider, nil
}

// WithTraceParent continues the trace of the CI workflow run, given its W3C traceparent value.
func WithTraceParent(ctx context.Context, traceParent string) context.Context {
	if len(traceParent) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	return newPropagator().Extract(ctx, carrier)
}

// TraceParentHeader returns the W3C traceparent value of the span in ctx.
func TraceParentHeader(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	newPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

func TraceID(ctx context.Context) string {
	return otrace.SpanFromContext(ctx).SpanContext().TraceID().String()
}

func AddRequestSpanAttributes(span otrace.Span, runID, variant, environment, repository string) {
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.variant", variant),
		attribute.String("run.environment", environment),
		attribute.String("run.repository", repository),
	)
}
