package telemetry

import (
	"context"
	"io"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Name is the instrumentation scope used for build spans.
const Name = "github.com/vyvo/imagebuild"

// InitTracer installs a stdout span exporter writing to w (stdout when nil).
// When enabled is false the global no-op provider stays in place.
func InitTracer(ctx context.Context, serviceName string, enabled bool, w io.Writer) func(context.Context) error {
	if !enabled {
		return func(context.Context) error { return nil }
	}
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		log.Printf("telemetry exporter init failed: %v", err)
		return func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown
}

// Tracer returns the tracer for build spans from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(Name)
}
