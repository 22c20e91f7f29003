package processor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
	"ethos/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "ethos.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedClaimedThought creates an active task with one claimed thought, the
// state a thought is in when a handler hands it to the ponder manager.
func seedClaimedThought(t *testing.T, store persistence.Store) (*core.Task, *core.Thought) {
	t.Helper()
	ctx := context.Background()
	task := core.NewTask("decide what to say", 3, core.TaskContext{ChannelID: "ops"})
	require.NoError(t, store.AddTask(ctx, task))
	_, err := store.UpdateTaskStatus(ctx, task.ID, core.TaskActive)
	require.NoError(t, err)

	thought := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, task.Description, core.ThoughtContext{ChannelID: "ops"})
	require.NoError(t, store.AddThought(ctx, thought))
	claimed, err := store.ClaimPendingThought(ctx, thought.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	return task, thought
}

func ponderAction(t *testing.T, questions []string) *core.ActionSelectionResult {
	t.Helper()
	return core.MustActionResult(core.ActionPonder, core.PonderParams{Questions: questions}, "needs more deliberation")
}

// reclaim pulls a re-queued thought back into PROCESSING and returns its
// fresh state, the way the work loop would before the next pipeline entry.
func reclaim(t *testing.T, store persistence.Store, thoughtID string) *core.Thought {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimPendingThought(ctx, thoughtID)
	require.NoError(t, err)
	require.True(t, claimed)
	fresh, err := store.GetThought(ctx, thoughtID)
	require.NoError(t, err)
	return fresh
}

func TestPonderRequeuesBelowCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task, thought := seedClaimedThought(t, store)
	pm := NewPonderManager(store, PonderConfig{MaxRounds: 3}, nil, nil)

	requeued, err := pm.Ponder(ctx, thought, ponderAction(t, []string{"which channel should the reply go to?"}), []string{"which channel should the reply go to?"})
	require.NoError(t, err)
	assert.True(t, requeued)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtPending, got.Status)
	assert.Equal(t, 1, got.PonderCount)
	assert.Contains(t, got.PonderNotes, "which channel should the reply go to?")
	assert.Contains(t, string(got.FinalAction), `"ponder"`)

	gotTask, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, gotTask.Status)
}

func TestPonderDefersAtCapAndDefersTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task, thought := seedClaimedThought(t, store)
	pm := NewPonderManager(store, PonderConfig{MaxRounds: 2}, nil, nil)

	requeued, err := pm.Ponder(ctx, thought, ponderAction(t, []string{"first question"}), []string{"first question"})
	require.NoError(t, err)
	require.True(t, requeued)

	fresh := reclaim(t, store, thought.ID)
	require.Equal(t, 1, fresh.PonderCount)

	requeued, err = pm.Ponder(ctx, fresh, ponderAction(t, []string{"second question"}), []string{"second question"})
	require.NoError(t, err)
	assert.False(t, requeued)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtDeferred, got.Status)
	assert.Equal(t, 2, got.PonderCount)
	assert.Equal(t, []string{"first question", "second question"}, got.PonderNotes)

	gotTask, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskDeferred, gotTask.Status)
	assert.Contains(t, gotTask.Outcome, "ponder")
}

func TestPonderCapKeepsProtectedTaskActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	task, thought := seedClaimedThought(t, store)
	pm := NewPonderManager(store, PonderConfig{MaxRounds: 1, Protected: []string{task.ID}}, nil, nil)

	requeued, err := pm.Ponder(ctx, thought, ponderAction(t, []string{"anything"}), []string{"anything"})
	require.NoError(t, err)
	assert.False(t, requeued)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtDeferred, got.Status)

	gotTask, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, gotTask.Status)
}

func TestPonderLeavesTerminalThoughtAlone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, thought := seedClaimedThought(t, store)
	pm := NewPonderManager(store, PonderConfig{MaxRounds: 3}, nil, nil)

	_, err := store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtCompleted)
	require.NoError(t, err)

	requeued, err := pm.Ponder(ctx, thought, ponderAction(t, []string{"too late"}), []string{"too late"})
	require.NoError(t, err)
	assert.False(t, requeued)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtCompleted, got.Status)
}

func TestPonderRequiresThoughtAndAction(t *testing.T) {
	store := newTestStore(t)
	pm := NewPonderManager(store, PonderConfig{}, nil, nil)
	_, err := pm.Ponder(context.Background(), nil, nil, nil)
	require.Error(t, err)
}
