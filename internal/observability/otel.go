package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/inkforge/inkforge-backend/internal/platform/envutil"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// InitTracing wires the global tracer provider. Disabled unless
// OTEL_ENABLED=true; with OTEL_STDOUT=true spans go to stdout instead of an
// OTLP collector. The returned shutdown flushes pending spans.
func InitTracing(ctx context.Context, log *logger.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !envutil.Bool("OTEL_ENABLED", false, log) {
		return noop, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(envutil.Str("OTEL_SERVICE_NAME", "inkforge-backend", log)),
	))
	if err != nil {
		return noop, fmt.Errorf("build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if envutil.Bool("OTEL_STDOUT", false, log) {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		endpoint := envutil.Str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318", log)
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	if err != nil {
		return noop, fmt.Errorf("build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	log.Info("tracing enabled")
	return tp.Shutdown, nil
}
