// Package telemetry wires OpenTelemetry tracing for the gateway: a span
// around each lane queue task and each streamer update call, exported over
// OTLP when config.TelemetryConfig.Enabled is set.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

const instrumentationName = "github.com/nextlevelbuilder/goclaw/internal/gateway"

// Shutdown flushes and closes the tracer provider. Callers should invoke it
// during graceful shutdown, after the last span has ended.
type Shutdown func(context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Setup configures the global tracer provider from cfg. When cfg.Enabled is
// false it leaves the global no-op provider in place and returns a no-op
// shutdown func, so callers can unconditionally defer the result.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "goclaw-gateway"
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	client := otlptracegrpc.NewClient(opts...)
	return otlptrace.New(ctx, client)
}

// StartSpan opens a span named name under the gateway's tracer, tagging it
// with channel/chat attributes when provided. Callers end the span with the
// returned func, typically via defer.
func StartSpan(ctx context.Context, name, channel, chatID string) (context.Context, func()) {
	tracer := otel.Tracer(instrumentationName)
	attrs := []trace.SpanStartOption{}
	if channel != "" || chatID != "" {
		attrs = append(attrs, trace.WithAttributes(
			attribute.String("goclaw.channel", channel),
			attribute.String("goclaw.chat_id", chatID),
		))
	}
	spanCtx, span := tracer.Start(ctx, name, attrs...)
	return spanCtx, func() { span.End() }
}
