package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

	notesync → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Tracing is optional. With TRACING_ENABLED=false the global tracer provider
stays the no-op default and spans cost next to nothing.
*/

// Version is reported as service.version on every span.
const Version = "1.0.0"

// InitJaeger installs a global tracer provider exporting to endpoint.
// Returns a cleanup function that flushes spans; call it on shutdown.
func InitJaeger(serviceName, endpoint string, sampleRatio float64) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(sampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.2f)", endpoint, sampleRatio)
	return tp.Shutdown, nil
}

// Sampler follows the parent's decision and samples ratio of new traces.
// Per-frame spans on a busy room add up, so production runs below 1.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}
