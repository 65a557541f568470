package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Exporters understood by InitTracer.
const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// InitTracer installs the global tracer provider. Runs and their stages are
// traced through it. The returned function flushes and shuts it down.
func InitTracer(serviceName, exporter string, logger *slog.Logger) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{}

	switch exporter {
	case "", ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterNone:
		// Spans are still created so that ids propagate, but nothing is exported.
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	opts = append(opts, sdktrace.WithResource(res))

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized",
		slog.String("service", serviceName),
		slog.String("exporter", exporter))

	return tp.Shutdown, nil
}
