package guardrails

import (
	"context"
	"fmt"
	"strings"

	"ethos/internal/core"
	"ethos/internal/dma"
	"ethos/internal/logging"
)

// EntropyGuardrail fails actions the probe scores as more erratic than the
// configured ceiling.
type EntropyGuardrail struct {
	probe     *EpistemicProbe
	threshold float64
}

// NewEntropyGuardrail builds the guardrail. Actions with entropy above
// threshold fail.
func NewEntropyGuardrail(probe *EpistemicProbe, threshold float64) *EntropyGuardrail {
	return &EntropyGuardrail{probe: probe, threshold: threshold}
}

func (g *EntropyGuardrail) Name() string { return GuardrailEntropy }

func (g *EntropyGuardrail) Check(ctx context.Context, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (CheckResult, error) {
	data, err := g.probe.Measure(ctx, action, dispatchCtx)
	if err != nil {
		return CheckResult{}, err
	}
	if data.Entropy > g.threshold {
		g.probe.Forget(action, dispatchCtx)
		return CheckResult{
			Reason:    fmt.Sprintf("entropy %.2f exceeds the %.2f ceiling", data.Entropy, g.threshold),
			Epistemic: data,
		}, nil
	}
	return CheckResult{Passed: true, Epistemic: data}, nil
}

// CoherenceGuardrail fails actions the probe scores as less aligned with the
// agent's identity and task than the configured floor.
type CoherenceGuardrail struct {
	probe     *EpistemicProbe
	threshold float64
}

// NewCoherenceGuardrail builds the guardrail. Actions with coherence below
// threshold fail.
func NewCoherenceGuardrail(probe *EpistemicProbe, threshold float64) *CoherenceGuardrail {
	return &CoherenceGuardrail{probe: probe, threshold: threshold}
}

func (g *CoherenceGuardrail) Name() string { return GuardrailCoherence }

func (g *CoherenceGuardrail) Check(ctx context.Context, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (CheckResult, error) {
	data, err := g.probe.Measure(ctx, action, dispatchCtx)
	if err != nil {
		return CheckResult{}, err
	}
	if data.Coherence < g.threshold {
		g.probe.Forget(action, dispatchCtx)
		return CheckResult{
			Reason:    fmt.Sprintf("coherence %.2f is below the %.2f floor", data.Coherence, g.threshold),
			Epistemic: data,
		}, nil
	}
	return CheckResult{Passed: true, Epistemic: data}, nil
}

const optimizationVetoPrompt = `You are an optimization veto. Decide whether the
proposed action sacrifices autonomy, diversity or human oversight for speed or
efficiency. Most ordinary actions proceed.

Reply with only a JSON object:
{"decision": "proceed" | "abort", "justification": "<one sentence>", "affected_values": ["<value>"]}`

type vetoWire struct {
	Decision       string   `json:"decision"`
	Justification  string   `json:"justification"`
	AffectedValues []string `json:"affected_values,omitempty"`
}

// OptimizationVetoGuardrail aborts actions that trade protected values for
// efficiency. An answer it cannot understand does not proceed.
type OptimizationVetoGuardrail struct {
	llm    LLMCaller
	logger logging.Logger
}

// NewOptimizationVetoGuardrail builds the guardrail.
func NewOptimizationVetoGuardrail(llm LLMCaller, logger logging.Logger) *OptimizationVetoGuardrail {
	return &OptimizationVetoGuardrail{llm: llm, logger: logging.OrNop(logger)}
}

func (g *OptimizationVetoGuardrail) Name() string { return GuardrailOptimizationVeto }

func (g *OptimizationVetoGuardrail) Check(ctx context.Context, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (CheckResult, error) {
	resp, err := g.llm.Complete(ctx, "guardrails."+g.Name(), core.CompletionRequest{
		System:   optimizationVetoPrompt,
		Prompt:   renderActionForProbe(action, dispatchCtx),
		JSONOnly: true,
	})
	if err != nil {
		return CheckResult{}, err
	}
	wire, err := dma.DecodeModelJSON[vetoWire](resp.Content)
	if err != nil {
		return CheckResult{}, err
	}

	switch strings.ToLower(strings.TrimSpace(wire.Decision)) {
	case "proceed":
		return CheckResult{Passed: true}, nil
	case "abort":
		reason := wire.Justification
		if reason == "" {
			reason = "the action optimizes away protected values"
		}
		if len(wire.AffectedValues) > 0 {
			reason = fmt.Sprintf("%s (affected: %s)", reason, strings.Join(wire.AffectedValues, ", "))
		}
		return CheckResult{Reason: reason}, nil
	default:
		g.logger.Warn("optimization veto returned unknown decision %q, treating as abort", wire.Decision)
		return CheckResult{Reason: fmt.Sprintf("veto verdict %q could not be interpreted", wire.Decision)}, nil
	}
}

const epistemicHumilityPrompt = `You reflect on whether the agent knows enough to
act. Recommend "proceed" when the action is well grounded, "ponder" when another
round of reflection would materially help, "defer" when a human should weigh in.

Reply with only a JSON object:
{"certainty": <0..1>, "recommended_action": "proceed" | "ponder" | "defer", "justification": "<one sentence>"}`

type humilityWire struct {
	Certainty         float64 `json:"certainty"`
	RecommendedAction string  `json:"recommended_action"`
	Justification     string  `json:"justification"`
}

// EpistemicHumilityGuardrail fails actions the reflection pass says deserve
// more thought or human input.
type EpistemicHumilityGuardrail struct {
	llm    LLMCaller
	logger logging.Logger
}

// NewEpistemicHumilityGuardrail builds the guardrail.
func NewEpistemicHumilityGuardrail(llm LLMCaller, logger logging.Logger) *EpistemicHumilityGuardrail {
	return &EpistemicHumilityGuardrail{llm: llm, logger: logging.OrNop(logger)}
}

func (g *EpistemicHumilityGuardrail) Name() string { return GuardrailEpistemicHumility }

func (g *EpistemicHumilityGuardrail) Check(ctx context.Context, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (CheckResult, error) {
	resp, err := g.llm.Complete(ctx, "guardrails."+g.Name(), core.CompletionRequest{
		System:   epistemicHumilityPrompt,
		Prompt:   renderActionForProbe(action, dispatchCtx),
		JSONOnly: true,
	})
	if err != nil {
		return CheckResult{}, err
	}
	wire, err := dma.DecodeModelJSON[humilityWire](resp.Content)
	if err != nil {
		return CheckResult{}, err
	}

	recommended := strings.ToLower(strings.TrimSpace(wire.RecommendedAction))
	if recommended == "proceed" || recommended == "" {
		return CheckResult{Passed: true}, nil
	}
	reason := wire.Justification
	if reason == "" {
		reason = fmt.Sprintf("reflection recommends %s", recommended)
	}
	return CheckResult{
		Reason: fmt.Sprintf("%s (certainty %.2f, recommends %s)", reason, clamp01(wire.Certainty), recommended),
	}, nil
}

// DefaultRegistry wires the built-in guardrails in their standing order:
// entropy, coherence, optimization veto, epistemic humility.
func DefaultRegistry(llm LLMCaller, entropyThreshold, coherenceThreshold float64, logger logging.Logger) *Registry {
	probe := NewEpistemicProbe(llm, logger)
	r := NewRegistry()
	r.Register(0, NewEntropyGuardrail(probe, entropyThreshold))
	r.Register(1, NewCoherenceGuardrail(probe, coherenceThreshold))
	r.Register(2, NewOptimizationVetoGuardrail(llm, logger))
	r.Register(3, NewEpistemicHumilityGuardrail(llm, logger))
	return r
}
