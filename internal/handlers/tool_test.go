package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
	"ethos/internal/errors"
)

func toolAction(name string, args map[string]any) *core.ActionSelectionResult {
	return core.MustActionResult(core.ActionTool, core.ToolParams{Name: name, Args: args}, "test")
}

func TestToolHandlerExecutesAndReportsOutput(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.toolResult = &core.ToolResult{
		Tool:        "clock",
		Output:      json.RawMessage(`{"now":"2026-08-25T10:00:00Z"}`),
		CompletedAt: time.Now(),
	}
	handler := NewToolHandler(f.deps)

	err := handler.Handle(context.Background(), toolAction("clock", nil), thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, 1, f.bus.toolCalls)
	assert.Equal(t, core.ThoughtCompleted, f.thoughtStatus(t, thought.ID))

	completed, err := f.store.CorrelationsByTaskAndAction(context.Background(), task.ID, "tool", core.CorrelationCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "clock returned")
	assert.Contains(t, children[0].Content, "2026-08-25T10:00:00Z")
}

func TestToolHandlerProviderRejectsParameters(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.validateErr = errors.NewValidationError("args.path", "must be absolute")
	handler := NewToolHandler(f.deps)

	err := handler.Handle(context.Background(), toolAction("file_read", map[string]any{"path": "x"}), thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Zero(t, f.bus.toolCalls)
	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))

	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "rejected the parameters")
}

func TestToolHandlerExecutionFailure(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.toolErr = stderrors.New("exit status 1")
	handler := NewToolHandler(f.deps)

	err := handler.Handle(context.Background(), toolAction("deploy", nil), thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))

	failed, err := f.store.CorrelationsByTaskAndAction(context.Background(), task.ID, "tool", core.CorrelationFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "exit status 1")
}

func TestToolHandlerToolReportedError(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.toolResult = &core.ToolResult{Tool: "deploy", Error: "permission denied"}
	handler := NewToolHandler(f.deps)

	err := handler.Handle(context.Background(), toolAction("deploy", nil), thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "permission denied")
}

func TestToolHandlerTimeoutExplainsDeadline(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	f.bus.toolErr = context.DeadlineExceeded
	deps := f.deps
	deps.ToolTimeout = 50 * time.Millisecond
	handler := NewToolHandler(deps)

	err := handler.Handle(context.Background(), toolAction("slow", nil), thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "no result within 50ms")
}

func TestToolHandlerRejectsMissingName(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{}, core.ThoughtContext{})
	handler := NewToolHandler(f.deps)
	action := core.MustActionResult(core.ActionTool, core.ToolParams{}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Equal(t, core.ThoughtTypeError, children[0].Type)
}
