package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("ethos"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "ethos"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("ethos"),
	}, nil
}

// NopTracerProvider returns a provider that records nothing. Components take
// it when tracing is disabled or not wired, so call sites never nil-check.
func NopTracerProvider() *TracerProvider {
	return &TracerProvider{tracer: noop.NewTracerProvider().Tracer("ethos")}
}

// OrNop returns tp, or a no-op provider when tp is nil.
func OrNop(tp *TracerProvider) *TracerProvider {
	if tp == nil {
		return NopTracerProvider()
	}
	return tp
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span, attaching the task/thought ids carried by ctx.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	if thoughtID := ThoughtIDFromContext(ctx); thoughtID != "" {
		attrs = append(attrs, attribute.String(AttrThoughtID, thoughtID))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names.
const (
	SpanPipelineRun     = "ethos.pipeline.run"
	SpanDMAFanout       = "ethos.dma.fanout"
	SpanActionSelection = "ethos.dma.action_selection"
	SpanGuardrailCheck  = "ethos.guardrail.check"
	SpanDispatch        = "ethos.dispatch"
	SpanBusCall         = "ethos.bus.call"
	SpanWakeupStep      = "ethos.wakeup.step"
)

// Common attribute keys.
const (
	AttrTaskID      = "ethos.task_id"
	AttrThoughtID   = "ethos.thought_id"
	AttrActionKind  = "ethos.action_kind"
	AttrHandler     = "ethos.handler"
	AttrEvaluator   = "ethos.evaluator"
	AttrGuardrail   = "ethos.guardrail"
	AttrServiceType = "ethos.service_type"
	AttrProvider    = "ethos.provider"
	AttrRound       = "ethos.round"
	AttrStatus      = "ethos.status"
	AttrError       = "ethos.error"
)

// ActionAttrs creates dispatch attributes.
func ActionAttrs(kind, handler string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrActionKind, kind),
		attribute.String(AttrHandler, handler),
	}
}

// EvaluatorAttrs creates evaluator attributes.
func EvaluatorAttrs(evaluator string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrEvaluator, evaluator),
	}
}

// GuardrailAttrs creates guardrail attributes.
func GuardrailAttrs(guardrail string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrGuardrail, guardrail),
	}
}

// StatusAttrs creates status attributes.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
