// Package otel wires OpenTelemetry tracing for the indexer.
package otel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/protocol-metrics/internal/config"
)

const serviceName = "protocol-metrics"

// InitTracer installs an OTLP/HTTP tracer provider when an endpoint is configured. Spans carry
// the deployment name so several deployments can share a collector.
// The returned function flushes and shuts it down.
func InitTracer(cfg config.Config, deployment string) func() {
	if cfg.OtelEndpoint == "" {
		return func() {}
	}

	ctx := context.Background()
	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.OtelEndpoint),
		otlptracehttp.WithInsecure(),
	)

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		logrus.Warnf("Tracing disabled, failed to create OTLP exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			attribute.String("deployment.name", deployment),
		)),
	)
	otel.SetTracerProvider(tp)
	logrus.WithFields(logrus.Fields{
		"endpoint":   cfg.OtelEndpoint,
		"deployment": deployment,
	}).Info("Tracing enabled")

	return func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logrus.Debugf("Tracer shutdown: %v", err)
		}
	}
}

// Tracer returns the service tracer; a no-op until InitTracer installs a provider
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// RecordError marks the span in ctx as failed
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
