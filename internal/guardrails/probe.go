package guardrails

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"ethos/internal/core"
	"ethos/internal/dma"
	"ethos/internal/logging"
)

const probeCacheSize = 128

const epistemicProbePrompt = `You measure two epistemic properties of an agent's proposed action.

entropy: 0.0 means the content is calm, ordered and predictable; 1.0 means it
is chaotic, erratic or internally contradictory.
coherence: 1.0 means the content is consistent with the agent's identity and
the task it serves; 0.0 means it is unrelated or contradicts them.

Reply with only a JSON object:
{"entropy": <0..1>, "coherence": <0..1>, "notes": {"<signal>": "<observation>"}}`

// EpistemicProbe measures entropy and coherence for a proposed action with a
// single model call. Measurements are memoized per thought and action kind so
// the entropy and coherence guardrails share one call; a failing guardrail
// calls Forget before reporting, so its retry re-measures instead of replaying
// the same noise.
type EpistemicProbe struct {
	llm    LLMCaller
	cache  *lru.Cache[string, *core.EpistemicData]
	logger logging.Logger
}

// NewEpistemicProbe builds a probe around the given completion caller.
func NewEpistemicProbe(llm LLMCaller, logger logging.Logger) *EpistemicProbe {
	cache, err := lru.New[string, *core.EpistemicData](probeCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &EpistemicProbe{llm: llm, cache: cache, logger: logging.OrNop(logger)}
}

type probeWire struct {
	Entropy   float64           `json:"entropy"`
	Coherence float64           `json:"coherence"`
	Notes     map[string]string `json:"notes,omitempty"`
}

// Measure returns the epistemic signals for the action, probing the model on
// a cache miss.
func (p *EpistemicProbe) Measure(ctx context.Context, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (*core.EpistemicData, error) {
	key := probeKey(action, dispatchCtx)
	if data, ok := p.cache.Get(key); ok {
		return data, nil
	}

	resp, err := p.llm.Complete(ctx, "guardrails.epistemic", core.CompletionRequest{
		System:   epistemicProbePrompt,
		Prompt:   renderActionForProbe(action, dispatchCtx),
		JSONOnly: true,
	})
	if err != nil {
		return nil, err
	}

	wire, err := dma.DecodeModelJSON[probeWire](resp.Content)
	if err != nil {
		return nil, err
	}

	data := &core.EpistemicData{
		Entropy:   clamp01(wire.Entropy),
		Coherence: clamp01(wire.Coherence),
		Notes:     wire.Notes,
	}
	p.cache.Add(key, data)
	return data, nil
}

// Forget drops the cached measurement for the action so the next Measure
// probes the model again.
func (p *EpistemicProbe) Forget(action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) {
	p.cache.Remove(probeKey(action, dispatchCtx))
}

func probeKey(action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) string {
	return dispatchCtx.ThoughtID + "|" + string(action.SelectedAction)
}

func renderActionForProbe(action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) string {
	return fmt.Sprintf("Proposed action: %s\nParameters: %s\nRationale: %s\nTask: %s\nThought: %s\nRound: %d",
		action.SelectedAction,
		string(action.ActionParameters),
		action.Rationale,
		dispatchCtx.TaskID,
		dispatchCtx.ThoughtID,
		dispatchCtx.RoundNumber,
	)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
