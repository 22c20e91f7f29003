package processor

import (
	"context"
	"fmt"

	"ethos/internal/contextbuilder"
	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/dma"
	"ethos/internal/guardrails"
	"ethos/internal/logging"
	"ethos/internal/observability"
	"ethos/internal/persistence"
)

// Pipeline carries one thought from enrichment through evaluation, vetting
// and dispatch. Run owes the caller a settled thought: whatever happens, the
// thought does not stay PROCESSING unless a ponder round sent it back to
// PENDING.
type Pipeline interface {
	Run(ctx context.Context, thought *core.Thought) error
}

// PipelineDeps wires the concrete pipeline.
type PipelineDeps struct {
	Store      persistence.Store
	Builder    *contextbuilder.Builder
	DMA        *dma.Orchestrator
	Guardrails *guardrails.Orchestrator
	Dispatcher *dispatch.Dispatcher
	// Permitted is the action surface offered to selection. Empty permits
	// every kind.
	Permitted []core.ActionKind
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerProvider
	Logger    logging.Logger
}

type pipeline struct {
	store      persistence.Store
	builder    *contextbuilder.Builder
	dma        *dma.Orchestrator
	guardrails *guardrails.Orchestrator
	dispatcher *dispatch.Dispatcher
	permitted  []core.ActionKind
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
	logger     logging.Logger
}

// NewPipeline builds the standard evaluate-vet-dispatch pipeline.
func NewPipeline(deps PipelineDeps) Pipeline {
	permitted := deps.Permitted
	if len(permitted) == 0 {
		permitted = core.AllActionKinds()
	}
	return &pipeline{
		store:      deps.Store,
		builder:    deps.Builder,
		dma:        deps.DMA,
		guardrails: deps.Guardrails,
		dispatcher: deps.Dispatcher,
		permitted:  permitted,
		metrics:    observability.OrNopMetrics(deps.Metrics),
		tracer:     observability.OrNop(deps.Tracer),
		logger:     logging.OrNop(deps.Logger),
	}
}

// Run processes one claimed thought end to end. Evaluator degradation and
// guardrail overrides are absorbed upstream; the only errors surfacing here
// are wiring faults and store failures.
func (p *pipeline) Run(ctx context.Context, thought *core.Thought) error {
	if thought == nil {
		return fmt.Errorf("pipeline: nil thought")
	}
	ctx = observability.ContextWithTaskID(ctx, thought.SourceTaskID)
	ctx = observability.ContextWithThoughtID(ctx, thought.ID)
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanPipelineRun)
	defer span.End()

	enriched, err := p.builder.Build(ctx, thought)
	if err != nil {
		p.failThought(ctx, thought, fmt.Sprintf("context build failed: %v", err))
		return fmt.Errorf("pipeline: build context for thought %s: %w", thought.ID, err)
	}
	thought.Context = enriched

	input := dma.EvaluationInput{Thought: thought, Context: enriched}
	results := p.dma.RunInitialDMAs(ctx, input)
	if summaries := results.Summaries(); len(summaries) > 0 {
		thought.Context.DMASummaries = summaries
	}

	action := p.dma.RunActionSelection(ctx, input, results, p.permitted)

	dispatchCtx := p.dispatchContext(ctx, thought)
	guardrailResult, err := p.guardrails.Apply(ctx, action, thought, dispatchCtx)
	if err != nil {
		p.failThought(ctx, thought, fmt.Sprintf("guardrails failed: %v", err))
		return fmt.Errorf("pipeline: guardrails for thought %s: %w", thought.ID, err)
	}
	dispatchCtx.GuardrailResult = guardrailResult

	dispatchErr := p.dispatcher.Dispatch(ctx, action, thought, dispatchCtx)
	p.recordOutcome(ctx, thought.ID)
	return dispatchErr
}

// dispatchContext assembles the per-dispatch record from the enriched
// thought. The wakeup flag comes from the owning task's lineage so handlers
// can enforce the ritual without refetching.
func (p *pipeline) dispatchContext(ctx context.Context, thought *core.Thought) core.DispatchContext {
	dc := core.DispatchContext{
		ChannelID:     thought.Context.ChannelID,
		AuthorID:      thought.Context.AuthorID,
		AuthorName:    thought.Context.AuthorName,
		OriginService: thought.Context.OriginService,
		ThoughtID:     thought.ID,
		TaskID:        thought.SourceTaskID,
		RoundNumber:   thought.RoundNumber,
	}
	task, err := p.store.GetTask(ctx, thought.SourceTaskID)
	if err != nil {
		p.logger.Warn("pipeline: task %s unavailable for dispatch context: %v", thought.SourceTaskID, err)
		return dc
	}
	dc.WakeupStep = task.ParentTaskID == core.WakeupRootTaskID && task.Context.StepType != ""
	return dc
}

// recordOutcome reads the settled status back for the processed metric.
// Ponder re-queues record themselves, so PENDING and PROCESSING are skipped.
func (p *pipeline) recordOutcome(ctx context.Context, thoughtID string) {
	settled, err := p.store.GetThought(ctx, thoughtID)
	if err != nil {
		p.logger.Debug("pipeline: outcome for thought %s unavailable: %v", thoughtID, err)
		return
	}
	if !settled.Status.IsTerminal() {
		return
	}
	p.metrics.RecordThoughtProcessed(ctx, string(settled.Status), settled.PonderCount)
}

func (p *pipeline) failThought(ctx context.Context, thought *core.Thought, reason string) {
	if p.store == nil {
		return
	}
	if _, err := p.store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtFailed); err != nil {
		p.logger.Error("pipeline: fail thought %s (%s): %v", thought.ID, reason, err)
	}
}
