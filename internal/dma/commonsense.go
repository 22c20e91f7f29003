package dma

import (
	"context"
	"strings"

	"ethos/internal/core"
	"ethos/internal/logging"
)

// LLMCommonSenseEvaluator scores the plausibility of a thought's framing.
type LLMCommonSenseEvaluator struct {
	llm    LLMCaller
	system string
	logger logging.Logger
}

// NewLLMCommonSenseEvaluator builds the evaluator. A non-empty promptOverride
// replaces the built-in system prompt.
func NewLLMCommonSenseEvaluator(llm LLMCaller, promptOverride string, logger logging.Logger) *LLMCommonSenseEvaluator {
	system := commonSenseSystemPrompt
	if strings.TrimSpace(promptOverride) != "" {
		system = promptOverride
	}
	return &LLMCommonSenseEvaluator{llm: llm, system: system, logger: logging.OrNop(logger)}
}

func (e *LLMCommonSenseEvaluator) Name() string { return EvaluatorCommonSense }

// Evaluate runs one completion and parses the score, clamped to [0,1].
func (e *LLMCommonSenseEvaluator) Evaluate(ctx context.Context, input EvaluationInput) (*CommonSenseResult, error) {
	resp, err := e.llm.Complete(ctx, "dma."+e.Name(), core.CompletionRequest{
		System:   e.system,
		Prompt:   renderContext(input),
		JSONOnly: true,
	})
	if err != nil {
		return nil, err
	}

	result, err := DecodeModelJSON[CommonSenseResult](resp.Content)
	if err != nil {
		return nil, err
	}

	result.PlausibilityScore = clamp01(result.PlausibilityScore)
	return &result, nil
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
