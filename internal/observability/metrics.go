package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the runtime's pipeline metrics. All Record methods
// are safe on a zero-value collector so disabled metrics cost one nil check.
type MetricsCollector struct {
	meter metric.Meter

	// Pipeline metrics
	thoughtsProcessed  metric.Int64Counter
	actionsDispatched  metric.Int64Counter
	guardrailOverrides metric.Int64Counter
	dmaLatency         metric.Float64Histogram
	ponderDepth        metric.Int64Histogram

	// Provider metrics
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	busCalls        metric.Int64Counter
	breakerState    metric.Int64Counter

	// Scheduler metrics
	queueDepth       metric.Int64UpDownCounter
	inflightThoughts metric.Int64UpDownCounter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("ethos")

	thoughtsProcessed, err := meter.Int64Counter(
		"ethos.thoughts.processed.total",
		metric.WithDescription("Thoughts that reached a terminal or requeued state"),
		metric.WithUnit("{thought}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create thoughts_processed counter: %w", err)
	}

	actionsDispatched, err := meter.Int64Counter(
		"ethos.actions.dispatched.total",
		metric.WithDescription("Actions routed to handlers, labelled by kind and status"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create actions_dispatched counter: %w", err)
	}

	guardrailOverrides, err := meter.Int64Counter(
		"ethos.guardrails.overrides.total",
		metric.WithDescription("Actions overridden to ponder by a guardrail"),
		metric.WithUnit("{override}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardrail_overrides counter: %w", err)
	}

	dmaLatency, err := meter.Float64Histogram(
		"ethos.dma.latency",
		metric.WithDescription("Evaluator latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dma_latency histogram: %w", err)
	}

	ponderDepth, err := meter.Int64Histogram(
		"ethos.ponder.depth",
		metric.WithDescription("Ponder count observed when a thought leaves the pipeline"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ponder_depth histogram: %w", err)
	}

	llmTokensInput, err := meter.Int64Counter(
		"ethos.llm.tokens.input",
		metric.WithDescription("Total input tokens sent to the LLM provider"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm_tokens_input counter: %w", err)
	}

	llmTokensOutput, err := meter.Int64Counter(
		"ethos.llm.tokens.output",
		metric.WithDescription("Total output tokens from the LLM provider"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm_tokens_output counter: %w", err)
	}

	busCalls, err := meter.Int64Counter(
		"ethos.bus.calls.total",
		metric.WithDescription("Bus calls by service type and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus_calls counter: %w", err)
	}

	breakerState, err := meter.Int64Counter(
		"ethos.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions by provider"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker_transitions counter: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"ethos.queue.depth",
		metric.WithDescription("Handles currently sitting in the processing queue"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_depth gauge: %w", err)
	}

	inflightThoughts, err := meter.Int64UpDownCounter(
		"ethos.thoughts.inflight",
		metric.WithDescription("Thoughts currently being processed by workers"),
		metric.WithUnit("{thought}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight_thoughts gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:              meter,
		thoughtsProcessed:  thoughtsProcessed,
		actionsDispatched:  actionsDispatched,
		guardrailOverrides: guardrailOverrides,
		dmaLatency:         dmaLatency,
		ponderDepth:        ponderDepth,
		llmTokensInput:     llmTokensInput,
		llmTokensOutput:    llmTokensOutput,
		busCalls:           busCalls,
		breakerState:       breakerState,
		queueDepth:         queueDepth,
		inflightThoughts:   inflightThoughts,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// NopMetricsCollector returns a collector that records nothing. Components
// take it when metrics are disabled or not wired.
func NopMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// OrNopMetrics returns m, or a no-op collector when m is nil.
func OrNopMetrics(m *MetricsCollector) *MetricsCollector {
	if m == nil {
		return NopMetricsCollector()
	}
	return m
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordThoughtProcessed records a thought leaving the pipeline.
func (m *MetricsCollector) RecordThoughtProcessed(ctx context.Context, status string, ponderCount int) {
	if m.thoughtsProcessed == nil {
		return
	}
	m.thoughtsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ponderDepth.Record(ctx, int64(ponderCount))
}

// RecordActionDispatched records one handler invocation outcome.
func (m *MetricsCollector) RecordActionDispatched(ctx context.Context, kind string, status string) {
	if m.actionsDispatched == nil {
		return
	}
	m.actionsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordGuardrailOverride records a guardrail forcing an action to ponder.
func (m *MetricsCollector) RecordGuardrailOverride(ctx context.Context, guardrail string) {
	if m.guardrailOverrides == nil {
		return
	}
	m.guardrailOverrides.Add(ctx, 1, metric.WithAttributes(attribute.String("guardrail", guardrail)))
}

// RecordDMALatency records one evaluator run.
func (m *MetricsCollector) RecordDMALatency(ctx context.Context, evaluator string, d time.Duration, failed bool) {
	if m.dmaLatency == nil {
		return
	}
	m.dmaLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("evaluator", evaluator),
		attribute.Bool("failed", failed),
	))
}

// RecordLLMTokens records token usage reported by the LLM provider.
func (m *MetricsCollector) RecordLLMTokens(ctx context.Context, model string, input, output int) {
	if m.llmTokensInput == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmTokensInput.Add(ctx, int64(input), attrs)
	m.llmTokensOutput.Add(ctx, int64(output), attrs)
}

// RecordBusCall records one facade call and its outcome.
func (m *MetricsCollector) RecordBusCall(ctx context.Context, serviceType string, status string) {
	if m.busCalls == nil {
		return
	}
	m.busCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service_type", serviceType),
		attribute.String("status", status),
	))
}

// RecordBreakerTransition records a circuit state change for a provider.
func (m *MetricsCollector) RecordBreakerTransition(ctx context.Context, provider string, from, to string) {
	if m.breakerState == nil {
		return
	}
	m.breakerState.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// AddQueueDepth adjusts the queue depth gauge by delta.
func (m *MetricsCollector) AddQueueDepth(ctx context.Context, delta int64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

// AddInflight adjusts the in-flight thought gauge by delta.
func (m *MetricsCollector) AddInflight(ctx context.Context, delta int64) {
	if m.inflightThoughts == nil {
		return
	}
	m.inflightThoughts.Add(ctx, delta)
}
