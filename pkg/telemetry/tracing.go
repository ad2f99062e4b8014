package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider builds a trace provider tagged with the
// constellation instance id. Callers that want spans exported
// somewhere real register their own span processor/exporter on the
// returned provider; with no span processor registered, the spans this
// core emits around planner calls and dispatch (§5 suspension points 2
// and 3) are neither exported nor retained.
func NewTracerProvider(constellationID string) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("constellation-orchestrator"),
		semconv.ServiceInstanceIDKey.String(constellationID),
	)
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res))
}

// Tracer returns the named tracer from the global otel provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan is a small convenience wrapper kept symmetrical with
// Logger's context helpers above.
func StartSpan(ctx context.Context, tracerName, spanName string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, spanName)
}
