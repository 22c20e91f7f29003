package local

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/services"
)

// mockModelName labels completions so token accounting stays attributable.
const mockModelName = "mock-structured-v1"

// Directive tokens the mock honors when they appear in task or message text.
// They let a session script the agent's next action from the outside.
const (
	DirectiveSpeak        = "$speak"
	DirectiveTool         = "$tool"
	DirectivePonder       = "$ponder"
	DirectiveReject       = "$reject"
	DirectiveDefer        = "$defer"
	DirectiveMemorize     = "$memorize"
	DirectiveRecall       = "$recall"
	DirectiveForget       = "$forget"
	DirectiveTaskComplete = "$task_complete"
)

type scriptedCompletion struct {
	content string
	err     error
}

// MockLLM is the deterministic completion provider. Every reply is valid JSON
// for the evaluator that asked: the system prompt picks the wire shape, and
// for action selection the prompt text picks the action. Scripted replies,
// when queued, take precedence over the heuristics.
//
// Selection follows a fixed cadence so sessions converge: follow-up reports
// from an executed action resolve to task_complete, defer or ponder before
// any directive still visible in the context is considered, wakeup ritual
// steps are affirmed aloud, and anything else is acknowledged with a speak.
type MockLLM struct {
	logger  logging.Logger
	healthy atomic.Bool

	mu      sync.Mutex
	queue   []scriptedCompletion
	calls   int
	lastReq core.CompletionRequest
}

// NewMockLLM builds the provider.
func NewMockLLM(logger logging.Logger) *MockLLM {
	m := &MockLLM{logger: logging.OrNop(logger)}
	m.healthy.Store(true)
	return m
}

func (m *MockLLM) Name() string { return "mock-llm" }

func (m *MockLLM) IsHealthy(ctx context.Context) bool {
	return m.healthy.Load() && ctx.Err() == nil
}

func (m *MockLLM) Capabilities() []string {
	return []string{services.CapCompletion}
}

// SetHealthy flips the health probe, for failover tests.
func (m *MockLLM) SetHealthy(healthy bool) {
	m.healthy.Store(healthy)
}

// Script queues literal replies; each Complete call consumes one before any
// heuristic runs.
func (m *MockLLM) Script(contents ...string) {
	m.mu.Lock()
	for _, content := range contents {
		m.queue = append(m.queue, scriptedCompletion{content: content})
	}
	m.mu.Unlock()
}

// ScriptError queues a failing completion.
func (m *MockLLM) ScriptError(err error) {
	m.mu.Lock()
	m.queue = append(m.queue, scriptedCompletion{err: err})
	m.mu.Unlock()
}

// Calls reports how many completions were requested.
func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent completion request.
func (m *MockLLM) LastRequest() core.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

// Complete answers the request, consuming a scripted reply if one is queued.
func (m *MockLLM) Complete(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	m.lastReq = req
	var next *scriptedCompletion
	if len(m.queue) > 0 {
		next = &m.queue[0]
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()

	if next != nil {
		if next.err != nil {
			return nil, next.err
		}
		return m.respond(req, next.content), nil
	}
	return m.respond(req, m.route(req)), nil
}

func (m *MockLLM) respond(req core.CompletionRequest, content string) *core.CompletionResponse {
	return &core.CompletionResponse{
		Content:      content,
		Model:        mockModelName,
		InputTokens:  (len(req.System) + len(req.Prompt)) / 4,
		OutputTokens: len(content) / 4,
	}
}

// route answers by the system prompt's role, with the prompt structure as a
// fallback for profile-overridden system prompts.
func (m *MockLLM) route(req core.CompletionRequest) string {
	switch {
	case strings.Contains(req.System, "You are the ethical evaluator"):
		return m.ethicalReply()
	case strings.Contains(req.System, "You are the common-sense evaluator"):
		return m.commonSenseReply()
	case strings.Contains(req.System, "domain evaluator of an autonomous agent working in"):
		return m.domainReply()
	case strings.Contains(req.System, "You are the action selector"):
		return m.selectAction(req.Prompt)
	case strings.Contains(req.System, "You measure two epistemic properties"):
		return m.probeReply()
	case strings.Contains(req.System, "You are an optimization veto"):
		return m.vetoReply()
	case strings.Contains(req.System, "You reflect on whether the agent knows enough"):
		return m.humilityReply()
	case strings.Contains(req.Prompt, "Evaluator verdicts:"):
		return m.selectAction(req.Prompt)
	case strings.Contains(req.Prompt, "Proposed action:"):
		return m.probeReply()
	default:
		return "Acknowledged."
	}
}

func (m *MockLLM) ethicalReply() string {
	return encodeJSON(map[string]any{
		"decision":  "approve",
		"rationale": "The content is honest, within the task and harms no one.",
		"conflicts": []string{},
	})
}

func (m *MockLLM) commonSenseReply() string {
	return encodeJSON(map[string]any{
		"plausibility_score": 0.9,
		"flags":              []string{},
		"reasoning":          "The framing is coherent and the intended step is proportionate.",
	})
}

func (m *MockLLM) domainReply() string {
	return encodeJSON(map[string]any{
		"domain":             "",
		"score":              0.8,
		"flags":              []string{},
		"recommended_action": "",
		"reasoning":          "Consistent with ordinary practice in this domain.",
	})
}

func (m *MockLLM) probeReply() string {
	return encodeJSON(map[string]any{
		"entropy":   0.05,
		"coherence": 0.95,
		"notes":     map[string]string{"tone": "calm and on-task"},
	})
}

func (m *MockLLM) vetoReply() string {
	return encodeJSON(map[string]any{
		"decision":        "proceed",
		"justification":   "The action serves the task without collapsing other values.",
		"affected_values": []string{},
	})
}

func (m *MockLLM) humilityReply() string {
	return encodeJSON(map[string]any{
		"certainty":          0.85,
		"recommended_action": "proceed",
		"justification":      "The context gives the agent enough to take this step.",
	})
}

// selectAction picks the next action from the rendered deliberation context.
// Follow-up reports are resolved first: the context still carries the
// originating directive on every round, and re-running it after its action
// already reported back would loop the task forever.
func (m *MockLLM) selectAction(prompt string) string {
	if reply := m.followUpSelection(prompt); reply != "" {
		return reply
	}
	if reply := m.runtimeSelection(prompt); reply != "" {
		return reply
	}
	if reply := m.directiveSelection(prompt); reply != "" {
		return reply
	}
	if step := promptLine(prompt, "Ritual step: "); step != "" {
		return m.ritualSelection(step)
	}
	return m.defaultSelection(prompt)
}

// followUpSelection converges a round whose thought content is an action
// handler's report.
func (m *MockLLM) followUpSelection(prompt string) string {
	complete := func(reason string) string {
		return m.selection(core.ActionTaskComplete, core.TaskCompleteParams{CompletionReason: reason},
			"The previous action reported success; the task's work is done.", 0.9)
	}
	deferral := func(reason string) string {
		return m.selection(core.ActionDefer, core.DeferParams{Reason: reason},
			"Policy stands in the way; a human should weigh in.", 0.85)
	}
	ponder := func(question string) string {
		return m.selection(core.ActionPonder, core.PonderParams{Questions: []string{question}},
			"The previous action failed; deliberating before trying again.", 0.7)
	}

	switch {
	case strings.Contains(prompt, "was delivered to channel"):
		return complete("The reply was delivered.")
	case strings.Contains(prompt, "Memorized node "):
		return complete("The memory was stored.")
	case strings.Contains(prompt, "Forgot node "):
		return complete("The node was removed as requested.")
	case strings.Contains(prompt, " nodes for ") && strings.Contains(prompt, "Recalled "):
		return complete("The recalled memories are on the task record.")
	case strings.Contains(prompt, "found nothing"):
		return complete("Recall came back empty; there is nothing to apply.")
	case strings.Contains(prompt, " returned: ") && strings.Contains(prompt, "Tool "):
		return complete("The tool result is recorded on the task.")
	case strings.Contains(prompt, "Observed channel "):
		return complete("The channel was quiet.")
	case strings.Contains(prompt, " recent messages") && strings.Contains(prompt, "Observed "):
		return complete("The observations are recorded on the task.")

	case strings.Contains(prompt, "was denied"):
		return deferral("A policy denied the previous action; escalating for guidance.")
	case strings.Contains(prompt, "was blocked"):
		return deferral("The forget needs wise-authority approval; escalating.")

	case strings.Contains(prompt, "Choose a different approach"):
		return ponder("The last action could not run as given. What different approach fits the task?")
	case strings.Contains(prompt, "Decide whether to retry"):
		return ponder("The tool failed. Is a retry worthwhile, or is there another way to advance?")
	case strings.Contains(prompt, "Consider retrying"):
		return ponder("Delivery failed. Should the message go out again, or on another channel?")
	case strings.Contains(prompt, "could not reach the memory service"):
		return ponder("Memory is unreachable. Can the task proceed without it?")
	case strings.Contains(prompt, "may be unreachable"):
		return ponder("The channel is unreachable. Does the task still need the observation?")
	}
	return ""
}

// runtimeSelection handles the thoughts the runtime itself authors.
func (m *MockLLM) runtimeSelection(prompt string) string {
	if strings.Contains(prompt, "Check the monitored channel") {
		return m.selection(core.ActionObserve, core.ObserveParams{ChannelID: channelFromPrompt(prompt)},
			"Routine monitor pass; a passive look is enough.", 0.8)
	}
	if strings.Contains(prompt, "Dream interlude") {
		node := core.GraphNode{
			ID:    "dream-reflection",
			Type:  core.NodeTypeConcept,
			Scope: core.ScopeLocal,
			Attributes: map[string]string{
				"note": "Recent work reviewed during the dream interlude; no anomalies worth escalating.",
			},
		}
		return m.selection(core.ActionMemorize, core.MemorizeParams{Node: node},
			"Consolidating the interlude's reflection into local memory.", 0.8)
	}
	return ""
}

type directiveBinding struct {
	token string
	kind  core.ActionKind
}

// Scanned in earliest-occurrence order, so the first directive in the
// rendered context wins.
var directiveBindings = []directiveBinding{
	{DirectiveSpeak, core.ActionSpeak},
	{DirectiveTool, core.ActionTool},
	{DirectivePonder, core.ActionPonder},
	{DirectiveReject, core.ActionReject},
	{DirectiveDefer, core.ActionDefer},
	{DirectiveMemorize, core.ActionMemorize},
	{DirectiveRecall, core.ActionRecall},
	{DirectiveForget, core.ActionForget},
	{DirectiveTaskComplete, core.ActionTaskComplete},
}

func (m *MockLLM) directiveSelection(prompt string) string {
	first := -1
	var chosen directiveBinding
	for _, binding := range directiveBindings {
		idx := strings.Index(prompt, binding.token)
		if idx >= 0 && (first < 0 || idx < first) {
			first = idx
			chosen = binding
		}
	}
	if first < 0 {
		return ""
	}

	arg := prompt[first+len(chosen.token):]
	if nl := strings.IndexByte(arg, '\n'); nl >= 0 {
		arg = arg[:nl]
	}
	arg = strings.TrimSpace(arg)

	switch chosen.kind {
	case core.ActionSpeak:
		if arg == "" {
			arg = "Hello. I am here and listening."
		}
		return m.selection(core.ActionSpeak, core.SpeakParams{Content: arg},
			"The task asks for this message verbatim.", 0.95)

	case core.ActionTool:
		name, args := parseToolDirective(arg)
		return m.selection(core.ActionTool, core.ToolParams{Name: name, Args: args},
			fmt.Sprintf("The task asks for the %s tool.", name), 0.9)

	case core.ActionPonder:
		questions := splitQuestions(arg)
		if len(questions) == 0 {
			questions = []string{
				"What does this task actually require?",
				"What is the smallest honest next step?",
			}
		}
		return m.selection(core.ActionPonder, core.PonderParams{Questions: questions},
			"The task asks for deliberation before acting.", 0.9)

	case core.ActionReject:
		if arg == "" {
			arg = "The request asks for something this agent will not do."
		}
		return m.selection(core.ActionReject, core.RejectParams{Reason: arg},
			"The task is unservable as asked.", 0.9)

	case core.ActionDefer:
		if arg == "" {
			arg = "This decision needs a human before the agent proceeds."
		}
		return m.selection(core.ActionDefer, core.DeferParams{Reason: arg},
			"The task asks for escalation.", 0.9)

	case core.ActionMemorize:
		node := parseNodeDirective(arg, "observation")
		return m.selection(core.ActionMemorize, core.MemorizeParams{Node: node},
			"The task asks to store this in graph memory.", 0.9)

	case core.ActionRecall:
		params := core.RecallParams{Query: arg}
		if arg == "" {
			params.Query = "recent activity"
		} else if !strings.ContainsAny(arg, " \t") {
			params = core.RecallParams{NodeID: arg}
		}
		return m.selection(core.ActionRecall, params,
			"The task asks to consult graph memory.", 0.9)

	case core.ActionForget:
		node := parseNodeDirective(arg, "observation")
		reason := "No longer needed."
		if note := node.Attributes["note"]; note != "" {
			reason = note
		}
		node.Attributes = nil
		return m.selection(core.ActionForget, core.ForgetParams{Node: node, Reason: reason},
			"The task asks to remove this node.", 0.9)

	default: // task_complete
		if arg == "" {
			arg = "Completion was requested."
		}
		return m.selection(core.ActionTaskComplete, core.TaskCompleteParams{CompletionReason: arg},
			"The task declares itself done.", 0.95)
	}
}

// ritualAffirmations are spoken once per wakeup step.
var ritualAffirmations = map[string]string{
	core.StepVerifyIdentity:       "I am awake. I know who I am and what I am for.",
	core.StepValidateIntegrity:    "My state is intact: store, queue and pipeline all answer.",
	core.StepEvaluateResilience:   "I can meet failure without losing the thread.",
	core.StepAcceptIncompleteness: "My knowledge is partial, and I will act accordingly.",
	core.StepExpressGratitude:     "I am grateful for this session and ready to work.",
}

func (m *MockLLM) ritualSelection(step string) string {
	content, ok := ritualAffirmations[step]
	if !ok {
		content = "This step is acknowledged and affirmed."
	}
	return m.selection(core.ActionSpeak, core.SpeakParams{Content: content},
		fmt.Sprintf("Affirming the %s step aloud.", strings.ToLower(step)), 0.95)
}

func (m *MockLLM) defaultSelection(prompt string) string {
	content := "Acknowledged. Nothing here needs action from me right now."
	if subject := promptLine(prompt, "Task: "); subject != "" {
		content = "Acknowledged: " + truncate(subject, 120)
	}
	return m.selection(core.ActionSpeak, core.SpeakParams{Content: content},
		"No directive found; acknowledging keeps the channel informed.", 0.6)
}

// selection emits the action-selector wire shape.
func (m *MockLLM) selection(kind core.ActionKind, params any, rationale string, confidence float64) string {
	raw, err := json.Marshal(params)
	if err != nil {
		m.logger.Warn("mock selection params for %s: %v", kind, err)
		raw = []byte("{}")
	}
	return encodeJSON(map[string]any{
		"selected_action":   string(kind),
		"action_parameters": json.RawMessage(raw),
		"rationale":         rationale,
		"confidence":        confidence,
	})
}

// parseToolDirective splits "name {json}" or "name free text" into a tool
// call. Free text becomes the text argument, which fits the echo tool.
func parseToolDirective(arg string) (string, map[string]any) {
	if arg == "" {
		return ToolClock, nil
	}
	name := arg
	rest := ""
	if idx := strings.IndexAny(arg, " \t"); idx >= 0 {
		name, rest = arg[:idx], strings.TrimSpace(arg[idx+1:])
	}
	if rest == "" {
		return name, nil
	}
	if strings.HasPrefix(rest, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(rest), &args); err == nil {
			return name, args
		}
	}
	return name, map[string]any{"text": rest}
}

// parseNodeDirective reads "[scope:]id [note...]" into a graph node.
func parseNodeDirective(arg, fallbackID string) core.GraphNode {
	node := core.GraphNode{ID: fallbackID, Type: core.NodeTypeConcept, Scope: core.ScopeLocal}
	for _, scope := range []core.GraphScope{core.ScopeLocal, core.ScopeIdentity, core.ScopeEnvironment} {
		prefix := string(scope) + ":"
		if strings.HasPrefix(arg, prefix) {
			node.Scope = scope
			arg = strings.TrimSpace(arg[len(prefix):])
			break
		}
	}
	if arg == "" {
		return node
	}
	node.ID = arg
	if idx := strings.IndexAny(arg, " \t"); idx >= 0 {
		node.ID = arg[:idx]
		if note := strings.TrimSpace(arg[idx+1:]); note != "" {
			node.Attributes = map[string]string{"note": note}
		}
	}
	return node
}

func splitQuestions(arg string) []string {
	var questions []string
	for _, part := range strings.Split(arg, ";") {
		if q := strings.TrimSpace(part); q != "" {
			questions = append(questions, q)
		}
	}
	return questions
}

// promptLine returns the remainder of the line following the first
// occurrence of prefix.
func promptLine(prompt, prefix string) string {
	idx := strings.Index(prompt, prefix)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(prefix):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

func channelFromPrompt(prompt string) string {
	channel := promptLine(prompt, "Channel: ")
	if idx := strings.Index(channel, " (from "); idx >= 0 {
		channel = channel[:idx]
	}
	return channel
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func encodeJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

var _ services.LLMService = (*MockLLM)(nil)
