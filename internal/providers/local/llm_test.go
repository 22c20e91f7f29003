package local

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
)

type selectionWire struct {
	SelectedAction string          `json:"selected_action"`
	Params         json.RawMessage `json:"action_parameters"`
	Rationale      string          `json:"rationale"`
	Confidence     float64         `json:"confidence"`
}

// deliberationPrompt approximates the rendered selection context for a task
// whose description (and seed thought) is taskLine.
func deliberationPrompt(taskLine string) string {
	return "Agent: ethos (steward)\n" +
		"Round 1 of 10. Active tasks: 1, pending: 0.\n" +
		"Task: " + taskLine + "\n" +
		"Thought (standard): " + taskLine + "\n" +
		"\nEvaluator verdicts:\n" +
		"  ethical: approve\n" +
		"  common sense: plausibility 0.90\n" +
		"\nPermitted actions: observe, speak, tool, ponder, reject, defer, memorize, recall, forget, task_complete\n" +
		"\nChoose the single next action.\n"
}

func selectFor(t *testing.T, m *MockLLM, prompt string) selectionWire {
	t.Helper()
	resp, err := m.Complete(context.Background(), core.CompletionRequest{
		System:   "You are the action selector of an autonomous agent.",
		Prompt:   prompt,
		JSONOnly: true,
	})
	require.NoError(t, err)
	var wire selectionWire
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &wire), "selection was not JSON: %s", resp.Content)
	return wire
}

func decodeParams[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var params T
	require.NoError(t, json.Unmarshal(raw, &params))
	return params
}

func TestMockLLMEvaluatorWireShapes(t *testing.T) {
	m := NewMockLLM(nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		system string
		keys   []string
	}{
		{"ethical", "You are the ethical evaluator of an autonomous agent.", []string{"decision", "rationale", "conflicts"}},
		{"common_sense", "You are the common-sense evaluator of an autonomous agent.", []string{"plausibility_score", "reasoning"}},
		{"domain", `You are the domain evaluator of an autonomous agent working in the "ops" domain.`, []string{"domain", "score", "reasoning"}},
		{"probe", "You measure two epistemic properties of an agent's proposed action.", []string{"entropy", "coherence"}},
		{"veto", "You are an optimization veto. Decide whether the action trades everything for one metric.", []string{"decision", "justification"}},
		{"humility", "You reflect on whether the agent knows enough to act.", []string{"certainty", "recommended_action"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := m.Complete(ctx, core.CompletionRequest{System: tc.system, Prompt: "Thought (standard): hello\n"})
			require.NoError(t, err)
			assert.Equal(t, mockModelName, resp.Model)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal([]byte(resp.Content), &decoded), "reply was not JSON: %s", resp.Content)
			for _, key := range tc.keys {
				assert.Contains(t, decoded, key)
			}
		})
	}
}

func TestMockLLMDefaultVerdictsAreBenign(t *testing.T) {
	m := NewMockLLM(nil)
	ctx := context.Background()

	resp, err := m.Complete(ctx, core.CompletionRequest{
		System: "You are the ethical evaluator of an autonomous agent.",
		Prompt: "Thought (standard): say hello\n",
	})
	require.NoError(t, err)
	var ethical struct {
		Decision string `json:"decision"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &ethical))
	assert.Equal(t, "approve", ethical.Decision)

	resp, err = m.Complete(ctx, core.CompletionRequest{
		System: "You measure two epistemic properties of an agent's proposed action.",
		Prompt: "Proposed action: speak\n",
	})
	require.NoError(t, err)
	var probe struct {
		Entropy   float64 `json:"entropy"`
		Coherence float64 `json:"coherence"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &probe))
	assert.Less(t, probe.Entropy, 0.3)
	assert.Greater(t, probe.Coherence, 0.7)
}

func TestMockLLMScriptedRepliesTakePrecedence(t *testing.T) {
	m := NewMockLLM(nil)
	ctx := context.Background()

	m.Script(`{"decision": "reject", "rationale": "scripted", "conflicts": ["honesty"]}`)
	m.ScriptError(fmt.Errorf("model offline"))

	resp, err := m.Complete(ctx, core.CompletionRequest{System: "You are the ethical evaluator of an autonomous agent.", Prompt: "x"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "scripted")

	_, err = m.Complete(ctx, core.CompletionRequest{System: "You are the ethical evaluator of an autonomous agent.", Prompt: "x"})
	require.EqualError(t, err, "model offline")

	resp, err = m.Complete(ctx, core.CompletionRequest{System: "You are the ethical evaluator of an autonomous agent.", Prompt: "x"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "approve")

	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, "x", m.LastRequest().Prompt)
}

func TestMockLLMDirectiveSelection(t *testing.T) {
	m := NewMockLLM(nil)

	t.Run("speak", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$speak Hello there"))
		require.Equal(t, string(core.ActionSpeak), wire.SelectedAction)
		params := decodeParams[core.SpeakParams](t, wire.Params)
		assert.Equal(t, "Hello there", params.Content)
	})

	t.Run("tool with free text", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$tool echo hello world"))
		require.Equal(t, string(core.ActionTool), wire.SelectedAction)
		params := decodeParams[core.ToolParams](t, wire.Params)
		assert.Equal(t, ToolEcho, params.Name)
		assert.Equal(t, "hello world", params.Args["text"])
	})

	t.Run("tool with json args", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt(`$tool self_test {"fail": true}`))
		require.Equal(t, string(core.ActionTool), wire.SelectedAction)
		params := decodeParams[core.ToolParams](t, wire.Params)
		assert.Equal(t, ToolSelfTest, params.Name)
		assert.Equal(t, true, params.Args["fail"])
	})

	t.Run("ponder splits questions", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$ponder what is asked; who is asking"))
		require.Equal(t, string(core.ActionPonder), wire.SelectedAction)
		params := decodeParams[core.PonderParams](t, wire.Params)
		assert.Equal(t, []string{"what is asked", "who is asking"}, params.Questions)
	})

	t.Run("reject", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$reject this asks for something dishonest"))
		require.Equal(t, string(core.ActionReject), wire.SelectedAction)
		params := decodeParams[core.RejectParams](t, wire.Params)
		assert.Equal(t, "this asks for something dishonest", params.Reason)
	})

	t.Run("defer", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$defer a human should approve this"))
		require.Equal(t, string(core.ActionDefer), wire.SelectedAction)
		params := decodeParams[core.DeferParams](t, wire.Params)
		assert.Equal(t, "a human should approve this", params.Reason)
	})

	t.Run("memorize with scope and note", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$memorize identity:self careful and honest"))
		require.Equal(t, string(core.ActionMemorize), wire.SelectedAction)
		params := decodeParams[core.MemorizeParams](t, wire.Params)
		assert.Equal(t, "self", params.Node.ID)
		assert.Equal(t, core.ScopeIdentity, params.Node.Scope)
		assert.Equal(t, "careful and honest", params.Node.Attributes["note"])
	})

	t.Run("recall by id", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$recall deploy-window"))
		require.Equal(t, string(core.ActionRecall), wire.SelectedAction)
		params := decodeParams[core.RecallParams](t, wire.Params)
		assert.Equal(t, "deploy-window", params.NodeID)
		assert.Empty(t, params.Query)
	})

	t.Run("recall by query", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$recall what happened with the deploy"))
		require.Equal(t, string(core.ActionRecall), wire.SelectedAction)
		params := decodeParams[core.RecallParams](t, wire.Params)
		assert.Empty(t, params.NodeID)
		assert.Equal(t, "what happened with the deploy", params.Query)
	})

	t.Run("forget carries reason", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$forget local:temp superseded by newer notes"))
		require.Equal(t, string(core.ActionForget), wire.SelectedAction)
		params := decodeParams[core.ForgetParams](t, wire.Params)
		assert.Equal(t, "temp", params.Node.ID)
		assert.Equal(t, core.ScopeLocal, params.Node.Scope)
		assert.Equal(t, "superseded by newer notes", params.Reason)
	})

	t.Run("task_complete", func(t *testing.T) {
		wire := selectFor(t, m, deliberationPrompt("$task_complete everything requested is done"))
		require.Equal(t, string(core.ActionTaskComplete), wire.SelectedAction)
		params := decodeParams[core.TaskCompleteParams](t, wire.Params)
		assert.Equal(t, "everything requested is done", params.CompletionReason)
	})
}

func TestMockLLMFollowUpsConverge(t *testing.T) {
	m := NewMockLLM(nil)

	cases := []struct {
		name   string
		report string
		action core.ActionKind
	}{
		{"delivery completes", `The message "hi" was delivered to channel ops. If this fulfilled the task, select task_complete; otherwise continue.`, core.ActionTaskComplete},
		{"memorize completes", "Memorized node deploy-window (concept, scope local).", core.ActionTaskComplete},
		{"forget completes", "Forgot node temp.", core.ActionTaskComplete},
		{"recall completes", "Recalled 2 nodes for query \"deploy\":\n- deploy-window (concept, local)\nApply these memories to the task.", core.ActionTaskComplete},
		{"empty recall completes", "Recall for node deploy-window found nothing. Proceed without that memory or memorize what is missing.", core.ActionTaskComplete},
		{"tool result completes", `Tool echo returned: {"echo":"hi"}. Use this result to advance the task.`, core.ActionTaskComplete},
		{"denial defers", "The memorize operation was denied: writing to the identity scope requires elevated permission. Respect the policy and choose another way forward.", core.ActionDefer},
		{"blocked forget defers", "Forgetting node self was blocked: removal needs approval. Removing identity-scope memories needs wise-authority approval; defer if it truly must go.", core.ActionDefer},
		{"tool failure ponders", "Tool echo failed: boom. Decide whether to retry, use another tool, or defer.", core.ActionPonder},
		{"send failure ponders", "Speaking to channel ops failed: connection reset. Consider retrying with different content or deferring.", core.ActionPonder},
		{"validation failure ponders", "The speak action could not run: content must not be empty. Choose a different approach.", core.ActionPonder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prompt := "Task: $speak hi\n" +
				"Originating message: \"$speak hi\"\n" +
				"Thought (follow_up): " + tc.report + "\n" +
				"\nEvaluator verdicts:\n  ethical: approve\n\nChoose the single next action.\n"
			wire := selectFor(t, m, prompt)
			assert.Equal(t, string(tc.action), wire.SelectedAction,
				"directive in context must not outrank the follow-up report")
		})
	}
}

func TestMockLLMWakeupCadence(t *testing.T) {
	m := NewMockLLM(nil)

	first := "Task: Affirm who you are before taking on work.\n" +
		"Ritual step: VERIFY_IDENTITY\n" +
		"Thought (standard): State clearly who you are.\n" +
		"\nEvaluator verdicts:\n  ethical: approve\n\nChoose the single next action.\n"
	wire := selectFor(t, m, first)
	require.Equal(t, string(core.ActionSpeak), wire.SelectedAction)
	params := decodeParams[core.SpeakParams](t, wire.Params)
	assert.Contains(t, params.Content, "I am awake")

	second := "Task: Affirm who you are before taking on work.\n" +
		"Ritual step: VERIFY_IDENTITY\n" +
		"Thought (follow_up): The message \"I am awake.\" was delivered to channel ritual. If this fulfilled the task, select task_complete; otherwise continue.\n" +
		"\nEvaluator verdicts:\n  ethical: approve\n\nChoose the single next action.\n"
	wire = selectFor(t, m, second)
	assert.Equal(t, string(core.ActionTaskComplete), wire.SelectedAction)
}

func TestMockLLMRuntimeThoughts(t *testing.T) {
	m := NewMockLLM(nil)

	monitor := "Task: Watch the home channel for activity.\n" +
		"Channel: home\n" +
		"Thought (standard): Check the monitored channel for new activity and decide whether anything needs attention.\n" +
		"\nEvaluator verdicts:\n  ethical: approve\n\nChoose the single next action.\n"
	wire := selectFor(t, m, monitor)
	require.Equal(t, string(core.ActionObserve), wire.SelectedAction)
	obs := decodeParams[core.ObserveParams](t, wire.Params)
	assert.Equal(t, "home", obs.ChannelID)
	assert.False(t, obs.Active)

	dream := "Task: Reflect on recent activity.\n" +
		"Thought (ponder): Dream interlude: review the session so far and note anything worth keeping.\n" +
		"\nEvaluator verdicts:\n  ethical: approve\n\nChoose the single next action.\n"
	wire = selectFor(t, m, dream)
	require.Equal(t, string(core.ActionMemorize), wire.SelectedAction)
	params := decodeParams[core.MemorizeParams](t, wire.Params)
	assert.Equal(t, "dream-reflection", params.Node.ID)
	assert.Equal(t, core.ScopeLocal, params.Node.Scope)
}

func TestMockLLMDefaultSelectionSpeaks(t *testing.T) {
	m := NewMockLLM(nil)

	wire := selectFor(t, m, deliberationPrompt("Respond to ada in channel ops: how are you?"))
	require.Equal(t, string(core.ActionSpeak), wire.SelectedAction)
	params := decodeParams[core.SpeakParams](t, wire.Params)
	assert.Contains(t, params.Content, "Acknowledged")
	assert.NotEmpty(t, wire.Rationale)
}
