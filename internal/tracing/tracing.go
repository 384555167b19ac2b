// Package tracing builds the OpenTelemetry tracer provider used for upstream spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
)

// Options overrides where the stdout exporter writes. Nil Writer means os.Stdout.
type Options struct {
	Writer io.Writer
}

// NewProvider returns a tracer provider for cfg together with its shutdown
// function. The "none" exporter yields a no-op provider and a no-op shutdown.
func NewProvider(ctx context.Context, cfg config.TracingConfig, opts Options) (trace.TracerProvider, func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", config.TracingExporterNone:
		return tracenoop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	case config.TracingExporterStdout:
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case config.TracingExporterOTLP:
		exporter, err = newOTLPExporter(ctx, cfg)
	default:
		return nil, nil, fmt.Errorf("NewProvider: unsupported exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("NewProvider: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "tool-gateway"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	return provider, provider.Shutdown, nil
}

func newOTLPExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exporter, nil
}
