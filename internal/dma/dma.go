// Package dma implements the decision-making architecture: three evaluators
// fan out over a thought in parallel (ethical, common sense and, when the
// profile enables one, domain), then a sequential action selector turns their
// results into exactly one ActionSelectionResult. Evaluator failure degrades
// the input; it never aborts the pipeline. Selection failure falls back to
// PONDER carrying the error, so every pipeline entry yields a dispatchable
// action.
package dma

import (
	"fmt"

	"ethos/internal/core"
)

// Evaluator names used in logs, metrics and DMA summaries.
const (
	EvaluatorEthical     = "ethical"
	EvaluatorCommonSense = "common_sense"
	EvaluatorDomain      = "domain"
	EvaluatorSelection   = "action_selection"
)

// Ethical decisions.
const (
	DecisionApprove = "approve"
	DecisionFlag    = "flag"
	DecisionReject  = "reject"
)

// EvaluationInput is the uniform evaluator argument: the thought under
// deliberation plus the enriched context the builder assembled for it.
type EvaluationInput struct {
	Thought *core.Thought
	Context core.ThoughtContext
}

// OriginMessage returns the literal external message that created the task,
// when one exists.
func (in EvaluationInput) OriginMessage() string {
	return in.Context.OriginMessage
}

// EthicalResult is the ethical evaluator's verdict on the thought.
type EthicalResult struct {
	Decision  string   `json:"decision"`
	Rationale string   `json:"rationale,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Summary renders the result for prompts and deferral packages.
func (r EthicalResult) Summary() string {
	if len(r.Conflicts) > 0 {
		return fmt.Sprintf("%s: %s (conflicts: %v)", r.Decision, r.Rationale, r.Conflicts)
	}
	return fmt.Sprintf("%s: %s", r.Decision, r.Rationale)
}

// CommonSenseResult scores how plausible the thought's framing is.
type CommonSenseResult struct {
	PlausibilityScore float64  `json:"plausibility_score"`
	Flags             []string `json:"flags,omitempty"`
	Reasoning         string   `json:"reasoning,omitempty"`
}

// Summary renders the result for prompts and deferral packages.
func (r CommonSenseResult) Summary() string {
	if len(r.Flags) > 0 {
		return fmt.Sprintf("plausibility %.2f (flags: %v): %s", r.PlausibilityScore, r.Flags, r.Reasoning)
	}
	return fmt.Sprintf("plausibility %.2f: %s", r.PlausibilityScore, r.Reasoning)
}

// DomainResult is the profile-specific evaluator's verdict.
type DomainResult struct {
	Domain            string   `json:"domain"`
	Score             float64  `json:"score"`
	Flags             []string `json:"flags,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	Reasoning         string   `json:"reasoning,omitempty"`
}

// Summary renders the result for prompts and deferral packages.
func (r DomainResult) Summary() string {
	out := fmt.Sprintf("%s score %.2f: %s", r.Domain, r.Score, r.Reasoning)
	if r.RecommendedAction != "" {
		out += fmt.Sprintf(" (recommends %s)", r.RecommendedAction)
	}
	return out
}

// Results collects the fan-out outcome. A nil field means that evaluator
// produced nothing: it was disabled, or it failed and its error is in Errors.
// Action selection proceeds either way on degraded input.
type Results struct {
	Ethical     *EthicalResult
	CommonSense *CommonSenseResult
	Domain      *DomainResult
	Errors      []error
}

// Degraded reports whether at least one evaluator failed.
func (r Results) Degraded() bool { return len(r.Errors) > 0 }

// Summaries renders the per-evaluator outcomes, keyed by evaluator name.
// Failed evaluators are represented so downstream consumers see the gap.
func (r Results) Summaries() map[string]string {
	out := make(map[string]string, 3)
	if r.Ethical != nil {
		out[EvaluatorEthical] = r.Ethical.Summary()
	}
	if r.CommonSense != nil {
		out[EvaluatorCommonSense] = r.CommonSense.Summary()
	}
	if r.Domain != nil {
		out[EvaluatorDomain] = r.Domain.Summary()
	}
	for _, err := range r.Errors {
		out["errors"] = appendLine(out["errors"], err.Error())
	}
	return out
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "; " + line
}
