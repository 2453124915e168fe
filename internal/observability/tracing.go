package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "valet"

// TraceConfig configures distributed tracing.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Default: "valet".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is stamped on every span's resource.
	ServiceVersion string `yaml:"service_version"`

	// Endpoint is the OTLP gRPC collector (e.g. "localhost:4317").
	// Empty disables export; spans become no-ops.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces recorded, (0, 1]. Default 1.
	SamplingRate float64 `yaml:"sampling_rate"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// Tracer wraps an otel tracer with helpers for the runtime's span
// shapes.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer sets up the tracer provider and returns the tracer plus a
// shutdown function. With no endpoint configured the returned tracer
// produces no-op spans and shutdown does nothing.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(tracerName)}, func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "valet"
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		cfg.SamplingRate = 1
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer(tracerName)}, provider.Shutdown, nil
}

// Start begins a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartAgentRun begins a span for one agent chat run.
func (t *Tracer) StartAgentRun(ctx context.Context, agent, channel string) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.chat",
		attribute.String("agent.name", agent),
		attribute.String("agent.channel", channel),
	)
}

// StartLLMCall begins a span for one LLM completion.
func (t *Tracer) StartLLMCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	ctx, span := t.Start(ctx, "llm.completion",
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
	return ctx, span
}

// StartToolExecution begins a span for one tool run.
func (t *Tracer) StartToolExecution(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.execute", attribute.String("tool.name", tool))
}

// EndSpan finishes a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
