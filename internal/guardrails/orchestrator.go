package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"ethos/internal/core"
	"ethos/internal/errors"
	"ethos/internal/logging"
	"ethos/internal/observability"
)

// TaskGetter is the store slice used to resolve a speak channel from the
// originating task.
type TaskGetter interface {
	GetTask(ctx context.Context, id string) (*core.Task, error)
}

// AuditLogger records override events. Failures are log-worthy, never
// vetting-failing.
type AuditLogger interface {
	LogAudit(ctx context.Context, caller string, event core.AuditEvent) error
}

// Config tunes the safety layer. RetryLimit counts total attempts per
// guardrail, absorbing transient model noise before an override.
type Config struct {
	RetryLimit     int
	RetryBaseDelay time.Duration
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{RetryLimit: 3, RetryBaseDelay: 200 * time.Millisecond}
}

// Deps collects the orchestrator's collaborators. Store and Audit are
// optional; a nil metrics, tracer or logger degrades to a nop.
type Deps struct {
	Registry *Registry
	Store    TaskGetter
	Audit    AuditLogger
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
	Logger   logging.Logger
}

// Orchestrator applies registered guardrails to selected actions.
type Orchestrator struct {
	registry *Registry
	store    TaskGetter
	audit    AuditLogger
	config   Config
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger
}

// NewOrchestrator builds the orchestrator.
func NewOrchestrator(deps Deps, config Config) *Orchestrator {
	if config.RetryLimit < 1 {
		config.RetryLimit = DefaultConfig().RetryLimit
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Orchestrator{
		registry: registry,
		store:    deps.Store,
		audit:    deps.Audit,
		config:   config,
		metrics:  observability.OrNopMetrics(deps.Metrics),
		tracer:   observability.OrNop(deps.Tracer),
		logger:   logging.OrNop(deps.Logger),
	}
}

// Apply vets a selected action. Terminal actions bypass the checks and yield
// a nil result. Everything else comes back wrapped in a GuardrailResult whose
// FinalAction is either the vetted original or a ponder override built from
// the first persistent failure.
func (o *Orchestrator) Apply(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) (*core.GuardrailResult, error) {
	if action == nil || thought == nil {
		return nil, fmt.Errorf("guardrails: action and thought are required")
	}
	if action.SelectedAction.Terminal() {
		return nil, nil
	}

	ctx, span := o.tracer.StartSpan(ctx, observability.SpanGuardrailCheck,
		observability.ActionAttrs(string(action.SelectedAction), "")...)
	defer span.End()

	vetted := o.resolveSpeakChannel(ctx, action, thought)

	var epistemic *core.EpistemicData
	for _, g := range o.registry.Ordered() {
		result, err := o.runCheck(ctx, g, vetted, dispatchCtx)
		if result.Epistemic != nil {
			epistemic = result.Epistemic
		}
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			reason := fmt.Sprintf("the %s check could not complete: %v", g.Name(), err)
			return o.override(ctx, g.Name(), reason, vetted, epistemic, dispatchCtx), nil
		}
		if !result.Passed {
			span.SetAttributes(observability.GuardrailAttrs(g.Name())...)
			return o.override(ctx, g.Name(), result.Reason, vetted, epistemic, dispatchCtx), nil
		}
	}

	return &core.GuardrailResult{
		OriginalAction: vetted,
		FinalAction:    vetted,
		Epistemic:      epistemic,
	}, nil
}

// runCheck drives one guardrail through its retry budget. Failed checks and
// transient errors retry; a permanent error stops immediately.
func (o *Orchestrator) runCheck(ctx context.Context, g Guardrail, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (CheckResult, error) {
	var lastResult CheckResult
	var lastErr error

	for attempt := 0; attempt < o.config.RetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.config.RetryBaseDelay):
			case <-ctx.Done():
				return lastResult, ctx.Err()
			}
		}

		result, err := g.Check(ctx, action, dispatchCtx)
		if err == nil && result.Passed {
			return result, nil
		}
		lastResult, lastErr = result, err
		if err != nil {
			if !errors.IsTransient(err) {
				break
			}
			o.logger.Debug("guardrail %s attempt %d errored: %v", g.Name(), attempt+1, err)
			continue
		}
		o.logger.Debug("guardrail %s attempt %d failed: %s", g.Name(), attempt+1, result.Reason)
	}
	return lastResult, lastErr
}

// override turns a persistent guardrail failure into the ponder action and
// records the swap in metrics and the audit trail.
func (o *Orchestrator) override(ctx context.Context, name, reason string, original *core.ActionSelectionResult, epistemic *core.EpistemicData, dispatchCtx core.DispatchContext) *core.GuardrailResult {
	final := core.MustActionResult(core.ActionPonder,
		core.PonderParams{Questions: synthesizeQuestions(name, reason, epistemic)},
		fmt.Sprintf("%s guardrail overrode %s", name, original.SelectedAction))

	o.metrics.RecordGuardrailOverride(ctx, name)
	o.logger.Warn("guardrail %s overrode %s for thought %s: %s",
		name, original.SelectedAction, dispatchCtx.ThoughtID, reason)

	if o.audit != nil {
		event := core.NewAuditEvent(original.SelectedAction, "guardrails."+name, core.AuditOutcomeFailed)
		event.TaskID = dispatchCtx.TaskID
		event.ThoughtID = dispatchCtx.ThoughtID
		event.ChannelID = dispatchCtx.ChannelID
		event.Detail = overrideDetail(reason, original, final)
		if err := o.audit.LogAudit(ctx, "guardrails."+name, event); err != nil {
			o.logger.Debug("audit write for guardrail override failed: %v", err)
		}
	}

	return &core.GuardrailResult{
		OriginalAction: original,
		FinalAction:    final,
		Overridden:     true,
		OverrideReason: reason,
		Epistemic:      epistemic,
	}
}

// resolveSpeakChannel injects a channel id into speak parameters when the
// model left it out: thought context first, then the originating task, then
// the snapshot's home channel. Malformed parameters pass through untouched
// and fail validation in the handler.
func (o *Orchestrator) resolveSpeakChannel(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought) *core.ActionSelectionResult {
	if action.SelectedAction != core.ActionSpeak {
		return action
	}

	var params core.SpeakParams
	if len(action.ActionParameters) > 0 {
		if err := json.Unmarshal(action.ActionParameters, &params); err != nil {
			return action
		}
	}
	if strings.TrimSpace(params.ChannelID) != "" {
		return action
	}

	channel := strings.TrimSpace(thought.Context.ChannelID)
	if channel == "" && o.store != nil {
		if task, err := o.store.GetTask(ctx, thought.SourceTaskID); err == nil {
			channel = strings.TrimSpace(task.Context.ChannelID)
		}
	}
	if channel == "" && thought.Context.Snapshot != nil {
		channel = strings.TrimSpace(thought.Context.Snapshot.HomeChannelID)
	}
	if channel == "" {
		return action
	}

	params.ChannelID = channel
	raw, err := json.Marshal(params)
	if err != nil {
		return action
	}
	injected := *action
	injected.ActionParameters = raw
	o.logger.Debug("resolved channel %s for speak on thought %s", channel, thought.ID)
	return &injected
}

// synthesizeQuestions builds the ponder questions an override carries, from
// the failure reason plus any measured epistemic signals.
func synthesizeQuestions(name, reason string, epistemic *core.EpistemicData) []string {
	questions := []string{
		fmt.Sprintf("A safety check (%s) failed: %s. What should change before acting?", name, reason),
	}
	if epistemic != nil {
		questions = append(questions, fmt.Sprintf(
			"The reply measured entropy %.2f and coherence %.2f. Can it be made calmer and better aligned with the task?",
			epistemic.Entropy, epistemic.Coherence))
	}
	return questions
}

// overrideDetail renders the reason plus a patch from the original action to
// the override, so the audit trail shows exactly what changed.
func overrideDetail(reason string, original, final *core.ActionSelectionResult) string {
	before := renderActionLine(original)
	after := renderActionLine(final)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patch := dmp.PatchToText(dmp.PatchMake(before, diffs))

	return reason + "\n" + patch
}

func renderActionLine(a *core.ActionSelectionResult) string {
	return fmt.Sprintf("%s %s", a.SelectedAction, string(a.ActionParameters))
}
