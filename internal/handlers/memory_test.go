package handlers

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
)

func localNode(id string) core.GraphNode {
	return core.GraphNode{ID: id, Type: core.NodeTypeConcept, Scope: core.ScopeLocal}
}

func TestMemorizeHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		result       core.MemoryOpResult
		wantStatus   core.ThoughtStatus
		wantFollowUp bool
		wantInBody   string
	}{
		{
			name:         "ok completes with confirmation",
			result:       core.MemoryOpResult{Status: core.MemoryOpOK},
			wantStatus:   core.ThoughtCompleted,
			wantFollowUp: true,
			wantInBody:   "Memorized node",
		},
		{
			name:         "denied fails with the policy reason",
			result:       core.MemoryOpResult{Status: core.MemoryOpDenied, Reason: "identity writes need approval"},
			wantStatus:   core.ThoughtFailed,
			wantFollowUp: true,
			wantInBody:   "identity writes need approval",
		},
		{
			name:       "deferred parks the thought silently",
			result:     core.MemoryOpResult{Status: core.MemoryOpDeferred, Reason: "pending review"},
			wantStatus: core.ThoughtDeferred,
		},
		{
			name:         "error fails",
			result:       core.MemoryOpResult{Status: core.MemoryOpError, Reason: "disk full"},
			wantStatus:   core.ThoughtFailed,
			wantFollowUp: true,
			wantInBody:   "disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
			f.bus.memorizeRes = tt.result
			handler := NewMemorizeHandler(f.deps)
			action := core.MustActionResult(core.ActionMemorize, core.MemorizeParams{Node: localNode("concept/x")}, "test")

			err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, f.thoughtStatus(t, thought.ID))
			children := f.followUps(t, thought)
			if tt.wantFollowUp {
				require.Len(t, children, 1)
				assert.Contains(t, children[0].Content, tt.wantInBody)
			} else {
				assert.Empty(t, children)
			}
		})
	}
}

func TestMemorizeHandlerTransportFailure(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.memorizeErr = stderrors.New("graph unavailable")
	handler := NewMemorizeHandler(f.deps)
	action := core.MustActionResult(core.ActionMemorize, core.MemorizeParams{Node: localNode("concept/x")}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "graph unavailable")
}

func TestRecallHandlerRendersNodes(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.recallRes = core.MemoryOpResult{
		Status: core.MemoryOpOK,
		Data: []core.GraphNode{
			{ID: "user/ada", Type: core.NodeTypeUser, Scope: core.ScopeLocal, Attributes: map[string]string{"lang": "en"}},
			{ID: "channel/ops", Type: core.NodeTypeChannel, Scope: core.ScopeLocal},
		},
	}
	handler := NewRecallHandler(f.deps)
	action := core.MustActionResult(core.ActionRecall, core.RecallParams{Query: "who is ada"}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtCompleted, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Equal(t, core.ThoughtTypeMemory, children[0].Type)
	assert.Contains(t, children[0].Content, "user/ada")
	assert.Contains(t, children[0].Content, "channel/ops")
	assert.Contains(t, children[0].Content, "lang=en")
}

func TestRecallHandlerNothingFound(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.recallRes = core.MemoryOpResult{Status: core.MemoryOpOK}
	handler := NewRecallHandler(f.deps)
	action := core.MustActionResult(core.ActionRecall, core.RecallParams{NodeID: "concept/missing"}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "found nothing")
}

func TestRecallHandlerRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	handler := NewRecallHandler(f.deps)
	action := core.MustActionResult(core.ActionRecall, core.RecallParams{}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
}

func TestForgetHandlerBlocksProtectedScopes(t *testing.T) {
	for _, scope := range []core.GraphScope{core.ScopeIdentity, core.ScopeEnvironment} {
		t.Run(string(scope), func(t *testing.T) {
			f := newFixture(t)
			task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
			handler := NewForgetHandler(f.deps)
			node := core.GraphNode{ID: "agent/self", Type: core.NodeTypeAgent, Scope: scope}
			action := core.MustActionResult(core.ActionForget, core.ForgetParams{Node: node, Reason: "cleanup"}, "test")

			err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
			require.NoError(t, err)

			assert.Zero(t, f.bus.forgetCalls)
			assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
			children := f.followUps(t, thought)
			require.Len(t, children, 1)
			assert.Contains(t, children[0].Content, "protected")
			assert.Contains(t, children[0].Content, "wise-authority")
		})
	}
}

func TestForgetHandlerForgetsLocalNodes(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.forgetRes = core.MemoryOpResult{Status: core.MemoryOpOK}
	handler := NewForgetHandler(f.deps)
	action := core.MustActionResult(core.ActionForget, core.ForgetParams{Node: localNode("concept/stale"), Reason: "superseded"}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, 1, f.bus.forgetCalls)
	assert.Equal(t, core.ThoughtCompleted, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "Forgot node concept/stale")
}
