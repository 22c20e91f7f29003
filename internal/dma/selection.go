package dma

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ethos/internal/core"
	"ethos/internal/errors"
	"ethos/internal/logging"
)

// LLMActionSelector asks the model to choose the single next action.
type LLMActionSelector struct {
	llm    LLMCaller
	system string
	logger logging.Logger
}

// NewLLMActionSelector builds the selector. A non-empty promptOverride
// replaces the built-in system prompt.
func NewLLMActionSelector(llm LLMCaller, promptOverride string, logger logging.Logger) *LLMActionSelector {
	system := selectionSystemPrompt
	if strings.TrimSpace(promptOverride) != "" {
		system = promptOverride
	}
	return &LLMActionSelector{llm: llm, system: system, logger: logging.OrNop(logger)}
}

func (s *LLMActionSelector) Name() string { return EvaluatorSelection }

// selectionWire is the JSON shape the model replies with.
type selectionWire struct {
	SelectedAction   string          `json:"selected_action"`
	ActionParameters json.RawMessage `json:"action_parameters,omitempty"`
	Rationale        string          `json:"rationale,omitempty"`
	Confidence       float64         `json:"confidence,omitempty"`
}

// Select runs one completion and parses the decision. A syntactically valid
// reply naming an unknown or unpermitted action is a transient failure: the
// retry loop asks again, and exhaustion becomes the caller's PONDER fallback.
func (s *LLMActionSelector) Select(ctx context.Context, input SelectionInput) (*core.ActionSelectionResult, error) {
	resp, err := s.llm.Complete(ctx, "dma."+s.Name(), core.CompletionRequest{
		System:   s.system,
		Prompt:   renderSelectionPrompt(input),
		JSONOnly: true,
	})
	if err != nil {
		return nil, err
	}

	wire, err := DecodeModelJSON[selectionWire](resp.Content)
	if err != nil {
		return nil, err
	}

	kind := core.ActionKind(strings.ToLower(strings.TrimSpace(wire.SelectedAction)))
	if !kind.Valid() {
		return nil, errors.NewTransientError(
			fmt.Errorf("model selected unknown action %q", wire.SelectedAction),
			"The model selected an action the runtime does not know.")
	}
	if !permits(input.Permitted, kind) {
		return nil, errors.NewTransientError(
			fmt.Errorf("model selected unpermitted action %q", kind),
			fmt.Sprintf("The profile does not permit the %s action.", kind))
	}

	result := &core.ActionSelectionResult{
		SelectedAction:   kind,
		ActionParameters: wire.ActionParameters,
		Rationale:        wire.Rationale,
		Confidence:       clamp01(wire.Confidence),
	}
	if resp.Model != "" || resp.InputTokens > 0 || resp.OutputTokens > 0 {
		result.ResourceUsage = &core.ResourceUsage{
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}
	}
	return result, nil
}

// permits treats an empty list as everything valid.
func permits(permitted []core.ActionKind, kind core.ActionKind) bool {
	if len(permitted) == 0 {
		return true
	}
	for _, allowed := range permitted {
		if allowed == kind {
			return true
		}
	}
	return false
}
