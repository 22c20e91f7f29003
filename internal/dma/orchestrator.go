package dma

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/observability"
)

// forcedPonderWord is the escape hatch: an external message consisting of
// exactly this word (case-insensitive, surrounding space ignored) forces a
// PONDER without consulting the model.
const forcedPonderWord = "ponder"

// Config bounds the orchestrator's evaluator calls.
type Config struct {
	// RetryLimit is total attempts per evaluator call.
	RetryLimit int
	// Timeout bounds one evaluator's whole retry loop.
	Timeout time.Duration
	// RetryBaseDelay seeds the backoff between attempts. Zero applies
	// DefaultRetryBaseDelay.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the stock evaluator bounds.
func DefaultConfig() Config {
	return Config{RetryLimit: 3, Timeout: 30 * time.Second}
}

// Deps wires the orchestrator. Domain and Tools are optional; Metrics and
// Tracer may be nil.
type Deps struct {
	Ethical     EthicalEvaluator
	CommonSense CommonSenseEvaluator
	Domain      DomainEvaluator
	Selector    ActionSelector
	Tools       ToolLister
	Metrics     *observability.MetricsCollector
	Tracer      *observability.TracerProvider
	Logger      logging.Logger
}

// Orchestrator runs the evaluator fan-out and the sequential action
// selection. It always produces a dispatchable result: evaluator failures
// degrade the input and selection failures fall back to PONDER.
type Orchestrator struct {
	ethical     EthicalEvaluator
	commonSense CommonSenseEvaluator
	domain      DomainEvaluator
	selector    ActionSelector
	tools       ToolLister
	config      Config
	metrics     *observability.MetricsCollector
	tracer      *observability.TracerProvider
	logger      logging.Logger
}

// NewOrchestrator builds the orchestrator over its evaluators.
func NewOrchestrator(deps Deps, config Config) *Orchestrator {
	if config.RetryLimit < 1 {
		config.RetryLimit = DefaultConfig().RetryLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Orchestrator{
		ethical:     deps.Ethical,
		commonSense: deps.CommonSense,
		domain:      deps.Domain,
		selector:    deps.Selector,
		tools:       deps.Tools,
		config:      config,
		metrics:     observability.OrNopMetrics(deps.Metrics),
		tracer:      observability.OrNop(deps.Tracer),
		logger:      logging.OrNop(deps.Logger),
	}
}

func (o *Orchestrator) retrySettings() RetrySettings {
	return RetrySettings{Limit: o.config.RetryLimit, BaseDelay: o.config.RetryBaseDelay}
}

// RunInitialDMAs fans the evaluators out in parallel and waits for all of
// them. Failures land in Results.Errors with the corresponding result nil;
// no partial failure stops the fan-out or the pipeline.
func (o *Orchestrator) RunInitialDMAs(ctx context.Context, input EvaluationInput) Results {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanDMAFanout)
	defer span.End()

	var mu sync.Mutex
	results := Results{}
	record := func(name string, err error, apply func()) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			results.Errors = append(results.Errors, fmt.Errorf("%s: %w", name, err))
			return
		}
		apply()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result, err := runEvaluator(gctx, o, o.ethical.Name(), input, o.ethical.Evaluate)
		record(o.ethical.Name(), err, func() { results.Ethical = result })
		return nil
	})
	g.Go(func() error {
		result, err := runEvaluator(gctx, o, o.commonSense.Name(), input, o.commonSense.Evaluate)
		record(o.commonSense.Name(), err, func() { results.CommonSense = result })
		return nil
	})
	if o.domain != nil {
		g.Go(func() error {
			result, err := runEvaluator(gctx, o, o.domain.Name(), input, o.domain.Evaluate)
			record(o.domain.Name(), err, func() { results.Domain = result })
			return nil
		})
	}
	_ = g.Wait() // every branch returns nil; errors are in results.Errors

	if results.Degraded() {
		o.logger.Warn("dma fan-out degraded for thought %s: %d evaluator failure(s)",
			input.Thought.ID, len(results.Errors))
	}
	return results
}

// runEvaluator applies the shared timeout and retry budget to one evaluator.
func runEvaluator[T any](ctx context.Context, o *Orchestrator, name string, input EvaluationInput, evaluate func(context.Context, EvaluationInput) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	start := time.Now()
	result, err := RunWithRetries(callCtx, o.logger, o.retrySettings(), func(ctx context.Context) (T, error) {
		return evaluate(ctx, input)
	})
	o.metrics.RecordDMALatency(ctx, name, time.Since(start), err != nil)
	return result, err
}

// RunActionSelection turns the fan-out results into exactly one action. Two
// hard-coded special cases run before the model: the literal "ponder" escape
// word, and the PONDER fallback when selection itself fails.
func (o *Orchestrator) RunActionSelection(ctx context.Context, input EvaluationInput, results Results, permitted []core.ActionKind) *core.ActionSelectionResult {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanActionSelection)
	defer span.End()

	if isForcedPonder(input) {
		o.logger.Info("thought %s: originating message forces ponder", input.Thought.ID)
		return core.MustActionResult(core.ActionPonder,
			core.PonderParams{Questions: forcedPonderQuestions(input)},
			"the originating message requests deliberation")
	}

	selection := SelectionInput{
		Input:     input,
		DMAs:      results,
		Permitted: permitted,
		Tools:     o.toolNames(ctx),
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	start := time.Now()
	result, err := RunWithRetries(callCtx, o.logger, o.retrySettings(), func(ctx context.Context) (*core.ActionSelectionResult, error) {
		return o.selector.Select(ctx, selection)
	})
	o.metrics.RecordDMALatency(ctx, EvaluatorSelection, time.Since(start), err != nil)
	if err != nil {
		o.logger.Warn("action selection failed for thought %s, falling back to ponder: %v", input.Thought.ID, err)
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return fallbackPonderResult(err)
	}
	return result
}

func (o *Orchestrator) toolNames(ctx context.Context) []string {
	if o.tools == nil {
		return nil
	}
	schemas, err := o.tools.AvailableTools(ctx, "dma."+EvaluatorSelection)
	if err != nil {
		o.logger.Debug("tool discovery unavailable for selection: %v", err)
		return nil
	}
	names := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		names = append(names, schema.Name)
	}
	return names
}

func isForcedPonder(input EvaluationInput) bool {
	return strings.EqualFold(strings.TrimSpace(input.Context.OriginMessage), forcedPonderWord)
}
