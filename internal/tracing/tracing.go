// Package tracing wires the pipeline's spans (dispatch-download,
// replay-execute, notify-deliver) to an OTLP/HTTP exporter, adapted from
// the teacher's pkg/observability/tracing.go.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "replay-runner"

var (
	global     *Provider
	globalOnce sync.Once
)

// Config holds tracing configuration. Endpoint empty means tracing is
// disabled and every span is a no-op.
type Config struct {
	ServiceName string
	Endpoint    string // OTLP/HTTP endpoint, e.g. from OTEL_EXPORTER_OTLP_ENDPOINT
}

// Provider wraps the OpenTelemetry trace provider for the pipeline.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init builds a Provider. With cfg.Endpoint empty it returns a no-op
// tracer so the rest of the pipeline never needs to branch on whether
// tracing is configured.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{tracer: otel.Tracer(tracerName)}, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{provider: provider, tracer: provider.Tracer(tracerName)}, nil
}

// SetGlobal installs p as the process-wide provider returned by Get.
// Called once during startup after Init.
func SetGlobal(p *Provider) {
	global = p
}

// Get returns the process-wide provider, falling back to a no-op
// tracer if SetGlobal was never called (e.g. in tests).
func Get() *Provider {
	if global == nil {
		globalOnce.Do(func() {
			if global == nil {
				global = &Provider{tracer: otel.Tracer(tracerName)}
			}
		})
	}
	return global
}

// Shutdown flushes and stops the exporter. No-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a span named for one of the pipeline's three traced
// boundaries (dispatch-download, replay-execute, notify-deliver).
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetError marks the active span as failed.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
