package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusLifecycle(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskDeferred, TaskRejected}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s should be terminal", s)
		assert.True(t, s.Valid())
	}
	for _, s := range []TaskStatus{TaskPending, TaskActive} {
		assert.False(t, s.IsTerminal(), "status %s should not be terminal", s)
		assert.True(t, s.Valid())
	}
	assert.False(t, TaskStatus("bogus").Valid())
}

func TestThoughtStatusLifecycle(t *testing.T) {
	for _, s := range []ThoughtStatus{ThoughtCompleted, ThoughtFailed, ThoughtDeferred} {
		assert.True(t, s.IsTerminal(), "status %s should be terminal", s)
	}
	for _, s := range []ThoughtStatus{ThoughtPending, ThoughtProcessing} {
		assert.False(t, s.IsTerminal(), "status %s should not be terminal", s)
	}
	assert.False(t, ThoughtStatus("limbo").Valid())
}

func TestActionKindTerminal(t *testing.T) {
	terminal := map[ActionKind]bool{
		ActionDefer:        true,
		ActionReject:       true,
		ActionTaskComplete: true,
	}
	for _, kind := range AllActionKinds() {
		assert.Equal(t, terminal[kind], kind.Terminal(), "kind %s", kind)
		assert.True(t, kind.Valid())
	}
	assert.False(t, ActionKind("explode").Valid())
}

func TestNewFollowUpThoughtLineage(t *testing.T) {
	parent := NewThought("task-1", ThoughtTypeStandard, 3, "first pass", ThoughtContext{
		ChannelID:     "home",
		OriginMessage: "hello",
	})
	parent.PonderCount = 1
	parent.PonderNotes = []string{"is this safe?"}

	child := NewFollowUpThought(parent, ThoughtTypeFollowUp, 4, "spoke to channel")

	require.NotEmpty(t, child.ID)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentThoughtID)
	assert.Equal(t, parent.SourceTaskID, child.SourceTaskID)
	assert.Equal(t, parent.PonderCount+1, child.PonderCount)
	assert.Equal(t, parent.PonderNotes, child.PonderNotes)
	assert.Equal(t, ThoughtPending, child.Status)
	assert.Equal(t, 4, child.RoundNumber)
	assert.Equal(t, "home", child.Context.ChannelID)

	// Notes are copied, not shared.
	child.PonderNotes[0] = "mutated"
	assert.Equal(t, "is this safe?", parent.PonderNotes[0])
}

func TestQueueItemFromThought(t *testing.T) {
	th := NewThought("task-9", ThoughtTypePonder, 2, "again", ThoughtContext{ChannelID: "c1"})
	th.PonderNotes = []string{"why?"}

	item := QueueItemFromThought(th, 7)

	assert.Equal(t, th.ID, item.ThoughtID)
	assert.Equal(t, "task-9", item.SourceTaskID)
	assert.Equal(t, ThoughtTypePonder, item.Type)
	assert.Equal(t, 7, item.Priority)
	assert.Equal(t, "c1", item.InitialContext.ChannelID)
	require.Len(t, item.PonderNotes, 1)

	item.PonderNotes[0] = "mutated"
	assert.Equal(t, "why?", th.PonderNotes[0])
}

func TestNewActionResult(t *testing.T) {
	result, err := NewActionResult(ActionSpeak, SpeakParams{ChannelID: "c", Content: "hi"}, "greeting")
	require.NoError(t, err)
	assert.Equal(t, ActionSpeak, result.SelectedAction)
	assert.Equal(t, "greeting", result.Rationale)

	var params SpeakParams
	require.NoError(t, json.Unmarshal(result.ActionParameters, &params))
	assert.Equal(t, "hi", params.Content)

	_, err = NewActionResult(ActionKind("bogus"), nil, "")
	require.Error(t, err)
}

func TestDecodeParams(t *testing.T) {
	t.Run("speak valid", func(t *testing.T) {
		params, err := DecodeParams[SpeakParams](json.RawMessage(`{"channel_id":"c","content":"hello"}`))
		require.NoError(t, err)
		assert.Equal(t, "hello", params.Content)
	})

	t.Run("speak missing content", func(t *testing.T) {
		_, err := DecodeParams[SpeakParams](json.RawMessage(`{"channel_id":"c"}`))
		require.Error(t, err)
	})

	t.Run("speak empty channel passes", func(t *testing.T) {
		// The guardrail layer injects the channel later; content alone is enough.
		_, err := DecodeParams[SpeakParams](json.RawMessage(`{"content":"hello"}`))
		require.NoError(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeParams[ToolParams](json.RawMessage(`{"name":`))
		require.Error(t, err)
	})

	t.Run("ponder requires questions", func(t *testing.T) {
		_, err := DecodeParams[PonderParams](json.RawMessage(`{"questions":[]}`))
		require.Error(t, err)

		params, err := DecodeParams[PonderParams](json.RawMessage(`{"questions":["what next?"]}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"what next?"}, params.Questions)
	})

	t.Run("task complete accepts empty payload", func(t *testing.T) {
		_, err := DecodeParams[TaskCompleteParams](nil)
		require.NoError(t, err)
	})

	t.Run("reject filter needs pattern", func(t *testing.T) {
		_, err := DecodeParams[RejectParams](json.RawMessage(`{"reason":"spam","create_filter":true}`))
		require.Error(t, err)

		_, err = DecodeParams[RejectParams](json.RawMessage(`{"reason":"spam","create_filter":true,"filter_pattern":"buy now"}`))
		require.NoError(t, err)
	})

	t.Run("recall needs id or query", func(t *testing.T) {
		_, err := DecodeParams[RecallParams](json.RawMessage(`{}`))
		require.Error(t, err)

		_, err = DecodeParams[RecallParams](json.RawMessage(`{"query":"who am i"}`))
		require.NoError(t, err)
	})

	t.Run("observe active needs channel", func(t *testing.T) {
		_, err := DecodeParams[ObserveParams](json.RawMessage(`{"active":true}`))
		require.Error(t, err)
	})
}

func TestGraphNodeValidate(t *testing.T) {
	tests := []struct {
		name    string
		node    GraphNode
		wantErr bool
	}{
		{"valid local concept", GraphNode{ID: "n1", Type: NodeTypeConcept, Scope: ScopeLocal}, false},
		{"missing id", GraphNode{Type: NodeTypeConcept, Scope: ScopeLocal}, true},
		{"unknown type", GraphNode{ID: "n1", Type: "planet", Scope: ScopeLocal}, true},
		{"unknown scope", GraphNode{ID: "n1", Type: NodeTypeUser, Scope: "galaxy"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGraphScopeProtected(t *testing.T) {
	assert.False(t, ScopeLocal.Protected())
	assert.True(t, ScopeIdentity.Protected())
	assert.True(t, ScopeEnvironment.Protected())
}
