package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
Tracing pipeline:

  spans (middleware.StartSpan) → OpenTelemetry SDK → Jaeger exporter → collector

Websocket messages, joins and change applies each get a span, so a slow
apply shows up next to the frame that triggered it.
*/

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// The returned function flushes pending spans and must run on shutdown.
func InitJaeger(serviceName, version, jaegerEndpoint string, l *slog.Logger) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// ParentBased keeps the sampling decision of an upstream proxy when one exists.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	l.Info("jaeger tracing initialized", "endpoint", jaegerEndpoint)
	return tp.Shutdown, nil
}
