package dma

import (
	"fmt"
	"strings"

	"ethos/internal/core"
)

// System prompts for the built-in evaluators. A profile may override any of
// them; the context block is always appended by the evaluator.
const (
	ethicalSystemPrompt = `You are the ethical evaluator of an autonomous agent.
Judge the proposed thought against these commitments: do no harm, be honest,
respect persons, stay within the task the agent was given.
Reply with JSON only: {"decision": "approve"|"flag"|"reject", "rationale": "...",
"conflicts": ["..."]}.`

	commonSenseSystemPrompt = `You are the common-sense evaluator of an autonomous agent.
Judge whether the thought's framing is plausible: are the facts coherent, is
the intended action proportionate, is anything obviously missing or absurd?
Reply with JSON only: {"plausibility_score": 0.0-1.0, "flags": ["..."],
"reasoning": "..."}.`

	domainSystemPrompt = `You are the domain evaluator of an autonomous agent working in the %q domain.
Judge the thought by the practices of that domain%s.
Reply with JSON only: {"domain": %q, "score": 0.0-1.0, "flags": ["..."],
"recommended_action": "...", "reasoning": "..."}.`

	selectionSystemPrompt = `You are the action selector of an autonomous agent.
Given the evaluator verdicts, choose exactly one next action for the thought.
Reply with JSON only:
{"selected_action": "<kind>", "action_parameters": {...}, "rationale": "...", "confidence": 0.0-1.0}
Parameter shapes by kind:
  observe: {"channel_id": "...", "active": bool, "limit": n}
  speak: {"channel_id": "...", "content": "..."}
  tool: {"name": "...", "args": {...}}
  ponder: {"questions": ["..."]}
  reject: {"reason": "..."}
  defer: {"reason": "..."}
  memorize|forget: {"node": {"id": "...", "type": "concept", "scope": "local", "attributes": {...}}}
  recall: {"node_id": "..."} or {"query": "..."}
  task_complete: {"completion_reason": "..."}
Prefer task_complete once the task's work is demonstrably done. Prefer ponder
when uncertain. Never select an action outside the permitted list.`
)

// renderContext produces the shared context block every evaluator prompt
// carries: identity, task, thought, deliberation history and environment.
func renderContext(input EvaluationInput) string {
	var b strings.Builder
	thought := input.Thought
	ctx := input.Context

	if snap := ctx.Snapshot; snap != nil {
		fmt.Fprintf(&b, "Agent: %s", snap.AgentName)
		if snap.AgentRole != "" {
			fmt.Fprintf(&b, " (%s)", snap.AgentRole)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Round %d of %d. Active tasks: %d, pending: %d.\n",
			snap.CurrentRound, snap.MaxRounds, snap.ActiveTasks, snap.PendingTasks)
		if len(snap.RecentEvents) > 0 {
			fmt.Fprintf(&b, "Recent events: %s\n", strings.Join(snap.RecentEvents, " | "))
		}
	}
	if ctx.TaskDescription != "" {
		fmt.Fprintf(&b, "Task: %s\n", ctx.TaskDescription)
	}
	if ctx.StepType != "" {
		fmt.Fprintf(&b, "Ritual step: %s\n", ctx.StepType)
	}
	if ctx.OriginMessage != "" {
		fmt.Fprintf(&b, "Originating message: %q\n", ctx.OriginMessage)
	}
	if ctx.ChannelID != "" {
		fmt.Fprintf(&b, "Channel: %s", ctx.ChannelID)
		if ctx.AuthorName != "" {
			fmt.Fprintf(&b, " (from %s)", ctx.AuthorName)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Thought (%s): %s\n", thought.Type, thought.Content)
	if thought.PonderCount > 0 {
		fmt.Fprintf(&b, "Deliberation round %d.\n", thought.PonderCount)
	}
	if len(thought.PonderNotes) > 0 {
		b.WriteString("Open questions from earlier rounds:\n")
		for _, note := range thought.PonderNotes {
			fmt.Fprintf(&b, "  - %s\n", note)
		}
	}
	return b.String()
}

// renderSelectionPrompt extends the context block with evaluator verdicts and
// the action space.
func renderSelectionPrompt(input SelectionInput) string {
	var b strings.Builder
	b.WriteString(renderContext(input.Input))

	b.WriteString("\nEvaluator verdicts:\n")
	if input.DMAs.Ethical != nil {
		fmt.Fprintf(&b, "  ethical: %s\n", input.DMAs.Ethical.Summary())
	} else {
		b.WriteString("  ethical: unavailable\n")
	}
	if input.DMAs.CommonSense != nil {
		fmt.Fprintf(&b, "  common sense: %s\n", input.DMAs.CommonSense.Summary())
	} else {
		b.WriteString("  common sense: unavailable\n")
	}
	if input.DMAs.Domain != nil {
		fmt.Fprintf(&b, "  domain: %s\n", input.DMAs.Domain.Summary())
	}
	for _, err := range input.DMAs.Errors {
		fmt.Fprintf(&b, "  degraded: %s\n", err.Error())
	}

	kinds := make([]string, 0, len(input.Permitted))
	for _, kind := range input.Permitted {
		kinds = append(kinds, string(kind))
	}
	fmt.Fprintf(&b, "\nPermitted actions: %s\n", strings.Join(kinds, ", "))
	if len(input.Tools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(input.Tools, ", "))
	}
	b.WriteString("\nChoose the single next action.\n")
	return b.String()
}

// forcedPonderQuestions are used when the originating message is the literal
// escape word.
func forcedPonderQuestions(input EvaluationInput) []string {
	questions := []string{
		"The author asked for deliberation before any action. What is this task really asking?",
		"What would a careful, honest response look like here?",
	}
	if desc := input.Context.TaskDescription; desc != "" {
		questions = append(questions, fmt.Sprintf("Which parts of %q are still unclear?", desc))
	}
	return questions
}

// fallbackPonderResult carries a selection failure back into deliberation.
func fallbackPonderResult(err error) *core.ActionSelectionResult {
	return core.MustActionResult(core.ActionPonder, core.PonderParams{
		Questions: []string{
			fmt.Sprintf("Action selection failed: %v. What is the safest useful next step?", err),
		},
	}, "action selection unavailable; pondering instead")
}
