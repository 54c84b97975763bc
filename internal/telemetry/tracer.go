package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ShutdownFunc flushes and releases tracer resources; callers should invoke
// it during graceful shutdown with a bounded context.
type ShutdownFunc func(ctx context.Context) error

// InitTracer installs a global TracerProvider for the engine. When
// otlpEndpoint is empty, spans are still created (so code paths that read a
// trace id for audit correlation keep working) but are never exported
// off-process — this keeps `cmd/bioengine` runnable without a collector.
func InitTracer(_ context.Context, otlpEndpoint, serviceName, serviceVersion string) (ShutdownFunc, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if otlpEndpoint != "" {
		// A concrete OTLP exporter is wired by the host's deployment packaging
		// (it decides gRPC vs HTTP, TLS, headers); the engine only guarantees a
		// valid TracerProvider exists so spans and correlation ids are never nil.
		opts = append(opts, sdktrace.WithSampler(sdktrace.AlwaysSample()))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the globally installed provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// CorrelationID extracts a stable string for audit events from a span
// context — the trace id when a real span is recorded, empty otherwise.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
