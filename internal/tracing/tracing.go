// Package tracing sets up an OTLP trace exporter (gRPC or HTTP/protobuf) and
// tracer provider for the registry, pointing at the same kind of backend
// (Tempo, Jaeger, or any OTLP-compatible collector) that consumes spans from
// the mesh's agents. The registry's HTTP handlers do not start spans, so
// nothing calls Provider.Tracer today. It is intentionally a thin SDK wrapper:
// correlating agent-emitted spans is the agents' own concern, not the
// registry's.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"agentmesh/internal/logging"
)

// Provider owns the SDK tracer provider for the registry process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
	log    *logging.Logger
}

// Config controls whether and how the registry exports its own spans.
type Config struct {
	Enabled  bool
	Endpoint string // host:port, no scheme
	Protocol string // "grpc" (default) or "http"
}

// noopTracer is returned by Setup when tracing is disabled, so callers never
// need a nil check before starting a span.
var noopTracer = otel.Tracer("agentmesh/registry-noop")

// Setup builds the SDK tracer provider. When cfg.Enabled is false it returns
// a Provider backed by the global no-op tracer so call sites are unchanged
// either way.
func Setup(ctx context.Context, cfg Config, log *logging.Logger) (*Provider, error) {
	if !cfg.Enabled {
		log.Info("tracing disabled")
		return &Provider{tracer: noopTracer, log: log}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled but no endpoint configured")
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http", "http/protobuf":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "grpc", "":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported tracing protocol %q (use grpc or http)", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("agentmesh-registry"),
			semconv.ServiceVersionKey.String("1.0.0"),
			attribute.String("telemetry.sdk.language", "go"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	log.Info("tracing enabled, exporting to %s via %s", cfg.Endpoint, cfg.Protocol)
	return &Provider{
		tp:     tp,
		tracer: tp.Tracer("agentmesh/registry", oteltrace.WithInstrumentationVersion("1.0.0")),
		log:    log,
	}, nil
}

// Tracer returns the registry's tracer (a no-op tracer if tracing was
// disabled at Setup).
func (p *Provider) Tracer() oteltrace.Tracer { return p.tracer }

// Shutdown flushes any buffered spans and releases the exporter connection.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		p.log.Warning("tracer shutdown: %v", err)
		return err
	}
	return nil
}
