// Package bus is the typed facade between handlers and providers. Every call
// names its caller so the registry can honor handler-scoped registrations,
// resolves a provider fresh (no caching across calls), and reports the
// outcome to that provider's circuit breaker.
package bus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ethos/internal/core"
	"ethos/internal/errors"
	"ethos/internal/logging"
	"ethos/internal/observability"
	"ethos/internal/registry"
	"ethos/internal/services"
)

// Config bounds the waits the bus performs on behalf of callers.
type Config struct {
	ToolResultTimeout time.Duration
	GuidanceTimeout   time.Duration
	DeferralTimeout   time.Duration
}

// DefaultConfig returns the stock wait bounds.
func DefaultConfig() Config {
	return Config{
		ToolResultTimeout: 30 * time.Second,
		GuidanceTimeout:   10 * time.Second,
		DeferralTimeout:   10 * time.Second,
	}
}

const toolResultPollInterval = 50 * time.Millisecond

// Bus routes typed capability calls to registry-resolved providers.
type Bus struct {
	registry *registry.ServiceRegistry
	breakers *errors.CircuitBreakerManager
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger
	config   Config
}

// New builds a bus over the registry. metrics and tracer may be nil.
func New(reg *registry.ServiceRegistry, config Config, metrics *observability.MetricsCollector, tracer *observability.TracerProvider, logger logging.Logger) *Bus {
	if config.ToolResultTimeout <= 0 {
		config.ToolResultTimeout = DefaultConfig().ToolResultTimeout
	}
	if config.GuidanceTimeout <= 0 {
		config.GuidanceTimeout = DefaultConfig().GuidanceTimeout
	}
	if config.DeferralTimeout <= 0 {
		config.DeferralTimeout = DefaultConfig().DeferralTimeout
	}
	return &Bus{
		registry: reg,
		breakers: reg.Breakers(),
		metrics:  observability.OrNopMetrics(metrics),
		tracer:   observability.OrNop(tracer),
		logger:   logging.OrNop(logger),
		config:   config,
	}
}

// SendMessage delivers content to a channel through the caller's best
// communication provider.
func (b *Bus) SendMessage(ctx context.Context, caller, channelID, content string) error {
	provider, err := resolveAs[services.CommunicationService](ctx, b, caller, services.TypeCommunication, services.CapSendMessage)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeCommunication), "resolve_failed")
		return err
	}
	ctx, span := b.span(ctx, services.TypeCommunication, provider.Name())
	defer span.End()

	err = provider.SendMessage(ctx, channelID, content)
	b.finish(ctx, span, services.TypeCommunication, provider.Name(), err)
	return err
}

// FetchMessages retrieves recent messages from a channel.
func (b *Bus) FetchMessages(ctx context.Context, caller, channelID string, limit int) ([]core.FetchedMessage, error) {
	provider, err := resolveAs[services.CommunicationService](ctx, b, caller, services.TypeCommunication, services.CapFetchMessages)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeCommunication), "resolve_failed")
		return nil, err
	}
	ctx, span := b.span(ctx, services.TypeCommunication, provider.Name())
	defer span.End()

	messages, err := provider.FetchMessages(ctx, channelID, limit)
	b.finish(ctx, span, services.TypeCommunication, provider.Name(), err)
	return messages, err
}

// Memorize stores a graph node.
func (b *Bus) Memorize(ctx context.Context, caller string, node core.GraphNode) (core.MemoryOpResult, error) {
	provider, err := resolveAs[services.MemoryService](ctx, b, caller, services.TypeMemory, services.CapMemorize)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeMemory), "resolve_failed")
		return core.MemoryOpResult{}, err
	}
	ctx, span := b.span(ctx, services.TypeMemory, provider.Name())
	defer span.End()

	result, err := provider.Memorize(ctx, node)
	b.finish(ctx, span, services.TypeMemory, provider.Name(), err)
	return result, err
}

// Recall queries graph memory.
func (b *Bus) Recall(ctx context.Context, caller string, query core.RecallQuery) (core.MemoryOpResult, error) {
	provider, err := resolveAs[services.MemoryService](ctx, b, caller, services.TypeMemory, services.CapRecall)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeMemory), "resolve_failed")
		return core.MemoryOpResult{}, err
	}
	ctx, span := b.span(ctx, services.TypeMemory, provider.Name())
	defer span.End()

	result, err := provider.Recall(ctx, query)
	b.finish(ctx, span, services.TypeMemory, provider.Name(), err)
	return result, err
}

// Forget removes a graph node. Scope policy lives in the provider; a denial
// comes back in the result, not as an error.
func (b *Bus) Forget(ctx context.Context, caller string, node core.GraphNode, reason string) (core.MemoryOpResult, error) {
	provider, err := resolveAs[services.MemoryService](ctx, b, caller, services.TypeMemory, services.CapForget)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeMemory), "resolve_failed")
		return core.MemoryOpResult{}, err
	}
	ctx, span := b.span(ctx, services.TypeMemory, provider.Name())
	defer span.End()

	result, err := provider.Forget(ctx, node, reason)
	b.finish(ctx, span, services.TypeMemory, provider.Name(), err)
	return result, err
}

// ExecuteTool runs a named tool and waits up to ToolResultTimeout for its
// result. Names suffixed "name@provider" pin the invocation to one provider;
// plain names go to the highest-priority provider advertising the tool.
func (b *Bus) ExecuteTool(ctx context.Context, caller, name string, args map[string]any, correlationID string) (*core.ToolResult, error) {
	provider, base, err := b.findToolProvider(ctx, caller, name)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeTool), "resolve_failed")
		return nil, err
	}
	ctx, span := b.span(ctx, services.TypeTool, provider.Name())
	defer span.End()

	if err := provider.Execute(ctx, base, args, correlationID); err != nil {
		b.finish(ctx, span, services.TypeTool, provider.Name(), err)
		return nil, err
	}

	result, err := b.awaitToolResult(ctx, provider, correlationID)
	b.finish(ctx, span, services.TypeTool, provider.Name(), err)
	return result, err
}

func (b *Bus) awaitToolResult(ctx context.Context, provider services.ToolService, correlationID string) (*core.ToolResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.config.ToolResultTimeout)
	defer cancel()

	ticker := time.NewTicker(toolResultPollInterval)
	defer ticker.Stop()

	for {
		result, err := provider.Result(waitCtx, correlationID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, errors.NewTransientError(
				fmt.Errorf("tool result %s: %w", correlationID, waitCtx.Err()),
				fmt.Sprintf("The tool did not report a result within %s.", b.config.ToolResultTimeout))
		case <-ticker.C:
		}
	}
}

// AvailableTools merges the schemas of every healthy tool provider. When two
// providers expose the same tool name, the higher-priority provider keeps the
// plain name and later ones are exposed as "name@provider".
func (b *Bus) AvailableTools(ctx context.Context, caller string) ([]core.ToolSchema, error) {
	providers := b.registry.GetAll(ctx, services.TypeTool)
	if len(providers) == 0 {
		return nil, errors.NewTransientError(
			fmt.Errorf("no tool provider available"),
			"No tool provider is currently available.")
	}

	seen := make(map[string]struct{})
	var merged []core.ToolSchema
	for _, p := range providers {
		tool, ok := p.(services.ToolService)
		if !ok {
			continue
		}
		schemas, err := tool.ListTools(ctx)
		b.breakers.Get(p.Name()).Mark(breakerErr(err))
		if err != nil {
			b.logger.Warn("list tools from %s: %v", p.Name(), err)
			continue
		}
		for _, schema := range schemas {
			schema.Provider = p.Name()
			if _, dup := seen[schema.Name]; dup {
				schema.Name = schema.Name + "@" + p.Name()
			}
			seen[schema.Name] = struct{}{}
			merged = append(merged, schema)
		}
	}
	b.metrics.RecordBusCall(ctx, string(services.TypeTool), "ok")
	return merged, nil
}

// ValidateToolParams checks tool arguments without executing.
func (b *Bus) ValidateToolParams(ctx context.Context, caller, name string, args map[string]any) error {
	provider, base, err := b.findToolProvider(ctx, caller, name)
	if err != nil {
		return err
	}
	return provider.ValidateParams(ctx, base, args)
}

func (b *Bus) findToolProvider(ctx context.Context, caller, name string) (services.ToolService, string, error) {
	base, hint := splitToolName(name)
	providers := b.registry.GetAll(ctx, services.TypeTool)
	if len(providers) == 0 {
		return nil, "", errors.NewTransientError(
			fmt.Errorf("no tool provider available"),
			"No tool provider is currently available.")
	}
	for _, p := range providers {
		if hint != "" && p.Name() != hint {
			continue
		}
		tool, ok := p.(services.ToolService)
		if !ok {
			continue
		}
		schemas, err := tool.ListTools(ctx)
		if err != nil {
			b.breakers.Get(p.Name()).Mark(err)
			continue
		}
		for _, schema := range schemas {
			if schema.Name == base {
				return tool, base, nil
			}
		}
	}
	return nil, "", errors.NewPermanentError(
		fmt.Errorf("tool %q not registered", name),
		fmt.Sprintf("No provider offers a tool named %q.", name))
}

func splitToolName(name string) (base, provider string) {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '@' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

// LogAudit records an audit event. Callers treat failures as log-worthy,
// never action-failing.
func (b *Bus) LogAudit(ctx context.Context, caller string, event core.AuditEvent) error {
	provider, err := resolveAs[services.AuditService](ctx, b, caller, services.TypeAudit, services.CapLogEvent)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeAudit), "resolve_failed")
		return err
	}
	err = provider.LogEvent(ctx, event)
	b.breakers.Get(provider.Name()).Mark(breakerErr(err))
	status := "ok"
	if err != nil {
		status = "error"
	}
	b.metrics.RecordBusCall(ctx, string(services.TypeAudit), status)
	return err
}

// SendDeferral ships a deferral package to the wise authority, bounded by
// DeferralTimeout.
func (b *Bus) SendDeferral(ctx context.Context, caller string, pkg core.DeferralPackage) error {
	provider, err := resolveAs[services.WiseAuthorityService](ctx, b, caller, services.TypeWiseAuthority, services.CapSendDeferral)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeWiseAuthority), "resolve_failed")
		return err
	}
	ctx, span := b.span(ctx, services.TypeWiseAuthority, provider.Name())
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, b.config.DeferralTimeout)
	defer cancel()
	err = provider.SendDeferral(callCtx, pkg)
	b.finish(ctx, span, services.TypeWiseAuthority, provider.Name(), err)
	return err
}

// FetchGuidance asks the wise authority for direction on a topic, bounded by
// GuidanceTimeout.
func (b *Bus) FetchGuidance(ctx context.Context, caller, topic string) (string, error) {
	provider, err := resolveAs[services.WiseAuthorityService](ctx, b, caller, services.TypeWiseAuthority, services.CapFetchGuidance)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeWiseAuthority), "resolve_failed")
		return "", err
	}
	ctx, span := b.span(ctx, services.TypeWiseAuthority, provider.Name())
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, b.config.GuidanceTimeout)
	defer cancel()
	guidance, err := provider.FetchGuidance(callCtx, topic)
	b.finish(ctx, span, services.TypeWiseAuthority, provider.Name(), err)
	return guidance, err
}

// Complete runs an LLM completion and books reported token usage.
func (b *Bus) Complete(ctx context.Context, caller string, req core.CompletionRequest) (*core.CompletionResponse, error) {
	provider, err := resolveAs[services.LLMService](ctx, b, caller, services.TypeLLM, services.CapCompletion)
	if err != nil {
		b.metrics.RecordBusCall(ctx, string(services.TypeLLM), "resolve_failed")
		return nil, err
	}
	ctx, span := b.span(ctx, services.TypeLLM, provider.Name())
	defer span.End()

	resp, err := provider.Complete(ctx, req)
	b.finish(ctx, span, services.TypeLLM, provider.Name(), err)
	if err == nil && resp != nil {
		b.metrics.RecordLLMTokens(ctx, resp.Model, resp.InputTokens, resp.OutputTokens)
	}
	return resp, err
}

// --- plumbing ---

// resolveAs resolves a provider and asserts its port type.
func resolveAs[T services.Service](ctx context.Context, b *Bus, caller string, serviceType services.ServiceType, caps ...string) (T, error) {
	var zero T
	provider, err := b.registry.Get(ctx, caller, serviceType, caps...)
	if err != nil {
		return zero, err
	}
	typed, ok := provider.(T)
	if !ok {
		return zero, errors.NewPermanentError(
			fmt.Errorf("provider %q does not implement %s port", provider.Name(), serviceType),
			fmt.Sprintf("Provider %q is registered for %s but does not implement its interface.", provider.Name(), serviceType))
	}
	return typed, nil
}

func (b *Bus) span(ctx context.Context, serviceType services.ServiceType, provider string) (context.Context, trace.Span) {
	return b.tracer.StartSpan(ctx, observability.SpanBusCall,
		attribute.String(observability.AttrServiceType, string(serviceType)),
		attribute.String(observability.AttrProvider, provider))
}

func (b *Bus) finish(ctx context.Context, span trace.Span, serviceType services.ServiceType, provider string, err error) {
	b.breakers.Get(provider).Mark(breakerErr(err))
	status := "ok"
	if err != nil {
		status = "error"
		span.SetAttributes(observability.ErrorAttrs(err)...)
	}
	b.metrics.RecordBusCall(ctx, string(serviceType), status)
}

// breakerErr filters policy outcomes out of breaker accounting: a denial or
// bad parameters is the caller's problem, not provider ill health.
func breakerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsValidation(err) || errors.IsPermissionDenied(err) {
		return nil
	}
	return err
}
