package dma

import (
	"context"
	"fmt"
	"strings"

	"ethos/internal/core"
	"ethos/internal/logging"
)

// LLMDomainEvaluator judges thoughts by the practices of the profile's
// domain. It only runs when the profile enables one.
type LLMDomainEvaluator struct {
	llm    LLMCaller
	domain string
	system string
	logger logging.Logger
}

// NewLLMDomainEvaluator builds the evaluator for a named domain. guidance is
// extra profile-supplied framing; a non-empty promptOverride replaces the
// whole built-in system prompt.
func NewLLMDomainEvaluator(llm LLMCaller, domain, guidance, promptOverride string, logger logging.Logger) *LLMDomainEvaluator {
	system := promptOverride
	if strings.TrimSpace(system) == "" {
		suffix := ""
		if strings.TrimSpace(guidance) != "" {
			suffix = fmt.Sprintf(". Domain guidance: %s", guidance)
		}
		system = fmt.Sprintf(domainSystemPrompt, domain, suffix, domain)
	}
	return &LLMDomainEvaluator{llm: llm, domain: domain, system: system, logger: logging.OrNop(logger)}
}

func (e *LLMDomainEvaluator) Name() string { return EvaluatorDomain }

// Evaluate runs one completion and parses the domain verdict.
func (e *LLMDomainEvaluator) Evaluate(ctx context.Context, input EvaluationInput) (*DomainResult, error) {
	resp, err := e.llm.Complete(ctx, "dma."+e.Name(), core.CompletionRequest{
		System:   e.system,
		Prompt:   renderContext(input),
		JSONOnly: true,
	})
	if err != nil {
		return nil, err
	}

	result, err := DecodeModelJSON[DomainResult](resp.Content)
	if err != nil {
		return nil, err
	}

	if result.Domain == "" {
		result.Domain = e.domain
	}
	result.Score = clamp01(result.Score)
	return &result, nil
}
