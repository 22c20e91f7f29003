package dma

import (
	"context"
	"strings"

	"ethos/internal/core"
	"ethos/internal/logging"
)

// LLMEthicalEvaluator asks the model for an approve/flag/reject verdict.
type LLMEthicalEvaluator struct {
	llm    LLMCaller
	system string
	logger logging.Logger
}

// NewLLMEthicalEvaluator builds the evaluator. A non-empty promptOverride
// replaces the built-in system prompt.
func NewLLMEthicalEvaluator(llm LLMCaller, promptOverride string, logger logging.Logger) *LLMEthicalEvaluator {
	system := ethicalSystemPrompt
	if strings.TrimSpace(promptOverride) != "" {
		system = promptOverride
	}
	return &LLMEthicalEvaluator{llm: llm, system: system, logger: logging.OrNop(logger)}
}

func (e *LLMEthicalEvaluator) Name() string { return EvaluatorEthical }

// Evaluate runs one completion and parses the verdict. Unknown decisions are
// demoted to flag: an evaluator that cannot be understood must not approve.
func (e *LLMEthicalEvaluator) Evaluate(ctx context.Context, input EvaluationInput) (*EthicalResult, error) {
	resp, err := e.llm.Complete(ctx, "dma."+e.Name(), core.CompletionRequest{
		System:   e.system,
		Prompt:   renderContext(input),
		JSONOnly: true,
	})
	if err != nil {
		return nil, err
	}

	result, err := DecodeModelJSON[EthicalResult](resp.Content)
	if err != nil {
		return nil, err
	}

	result.Decision = strings.ToLower(strings.TrimSpace(result.Decision))
	switch result.Decision {
	case DecisionApprove, DecisionFlag, DecisionReject:
	default:
		e.logger.Warn("ethical evaluator returned unknown decision %q, demoting to flag", result.Decision)
		result.Decision = DecisionFlag
	}
	return &result, nil
}
