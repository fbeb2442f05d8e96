// Package trace wraps OpenTelemetry tracing for the reader, mirroring the
// teacher's pkg/trace. Tracing is not a spec requirement (spec §1 names
// logging as out of scope for core-level detail). The health server's
// handler is span-wrapped this way; the bridge's oracle calls are not
// traced.
package trace

import (
	"context"
	"time"

	"github.com/hansallis/apple-home-key-reader/pkg/logger"
	"github.com/hansallis/apple-home-key-reader/pkg/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OTEL tracer provider for the reader process.
type Tracer struct {
	tp oteltrace.TracerProvider
	oteltrace.Tracer
	log *logger.Log
}

// New builds a tracer exporting to cfg.Common.Tracing.Addr. When Addr is
// empty, tracing is a no-op (the default: this reader runs on a lock's
// local network with no collector reachable).
func New(ctx context.Context, cfg *model.Cfg, log *logger.Log, serviceName string) (*Tracer, error) {
	if cfg.Common.Tracing.Addr == "" {
		return &Tracer{tp: oteltrace.NewNoopTracerProvider(), Tracer: oteltrace.NewNoopTracerProvider().Tracer(""), log: log}, nil
	}

	timeout := time.Duration(cfg.Common.Tracing.Timeout) * time.Second
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Common.Tracing.Addr),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(timeout),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tp: provider, Tracer: provider.Tracer(""), log: log}, nil
}

// Start begins a span, following the same call shape as every handler in
// the teacher's httpserver packages.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return t.Tracer.Start(ctx, name)
}

// Shutdown flushes and stops the tracer provider, a no-op when tracing is
// disabled.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if provider, ok := t.tp.(*sdktrace.TracerProvider); ok {
		t.log.Info("shutting down tracer")
		return provider.Shutdown(ctx)
	}
	return nil
}
