package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ethos.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := core.NewTask("answer the user", 5, core.TaskContext{
		ChannelID:  "home",
		AuthorID:   "u1",
		AuthorName: "sam",
		Custom:     map[string]string{"origin": "console"},
	})
	require.NoError(t, store.AddTask(ctx, task))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, "home", got.Context.ChannelID)
	assert.Equal(t, "console", got.Context.Custom["origin"])

	exists, err := store.TaskExists(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.TaskExists(ctx, "task-missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask(context.Background(), "task-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskStatusGuardsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := core.NewTask("short lived", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, task))

	prior, err := store.UpdateTaskStatus(ctx, task.ID, core.TaskActive)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, prior)

	prior, err = store.UpdateTaskStatus(ctx, task.ID, core.TaskCompleted, WithOutcome("done"))
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, prior)

	// A terminal task is never rewritten; the prior (terminal) status reports the skip.
	prior, err = store.UpdateTaskStatus(ctx, task.ID, core.TaskFailed, WithOutcome("late failure"))
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, prior)
	assert.True(t, prior.IsTerminal())

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Outcome)
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.UpdateTaskStatus(context.Background(), "task-missing", core.TaskActive)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPendingTasksForActivationOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mk := func(desc string, priority int, offset time.Duration) *core.Task {
		task := core.NewTask(desc, priority, core.TaskContext{})
		task.CreatedAt = base.Add(offset)
		task.UpdatedAt = task.CreatedAt
		require.NoError(t, store.AddTask(ctx, task))
		return task
	}

	low := mk("low", 0, 0)
	highLate := mk("high late", 9, 2*time.Second)
	highEarly := mk("high early", 9, time.Second)

	got, err := store.PendingTasksForActivation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, highEarly.ID, got[0].ID)
	assert.Equal(t, highLate.ID, got[1].ID)
	assert.Equal(t, low.ID, got[2].ID)

	got, err = store.PendingTasksForActivation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, highEarly.ID, got[0].ID)

	n, err := store.CountTasks(ctx, core.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActiveTasksWithoutThoughts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	idle := core.NewTask("idle", 0, core.TaskContext{})
	busy := core.NewTask("busy", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, idle))
	require.NoError(t, store.AddTask(ctx, busy))
	_, err := store.UpdateTaskStatus(ctx, idle.ID, core.TaskActive)
	require.NoError(t, err)
	_, err = store.UpdateTaskStatus(ctx, busy.ID, core.TaskActive)
	require.NoError(t, err)

	pending := core.NewThought(busy.ID, core.ThoughtTypeStandard, 1, "working", core.ThoughtContext{})
	require.NoError(t, store.AddThought(ctx, pending))

	got, err := store.ActiveTasksWithoutThoughts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, idle.ID, got[0].ID)

	// Terminal thoughts do not block seeding.
	_, err = store.UpdateThoughtStatus(ctx, pending.ID, core.ThoughtCompleted)
	require.NoError(t, err)
	got, err = store.ActiveTasksWithoutThoughts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestThoughtRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := core.NewTask("root", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, task))

	thought := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, "consider", core.ThoughtContext{
		ChannelID:     "home",
		OriginMessage: "hello there",
		DMASummaries:  map[string]string{"ethical": "no concerns"},
	})
	thought.PonderNotes = []string{"first question"}
	require.NoError(t, store.AddThought(ctx, thought))

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, thought.ID, got.ID)
	assert.Equal(t, task.ID, got.SourceTaskID)
	assert.Equal(t, core.ThoughtPending, got.Status)
	assert.Equal(t, []string{"first question"}, got.PonderNotes)
	assert.Equal(t, "hello there", got.Context.OriginMessage)
	assert.Equal(t, "no concerns", got.Context.DMASummaries["ethical"])
	assert.Empty(t, got.FinalAction)

	_, err = store.GetThought(ctx, "th-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateThoughtStatusOptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := core.NewTask("root", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, task))
	thought := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, "consider", core.ThoughtContext{})
	require.NoError(t, store.AddThought(ctx, thought))

	final := core.MustActionResult(core.ActionPonder, core.PonderParams{Questions: []string{"safe?"}}, "needs thought")
	raw, err := json.Marshal(final)
	require.NoError(t, err)

	prior, err := store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtPending,
		WithFinalAction(raw), WithPonderState(1, []string{"safe?"}))
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtPending, prior)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PonderCount)
	assert.Equal(t, []string{"safe?"}, got.PonderNotes)
	require.NotEmpty(t, got.FinalAction)

	var stored core.ActionSelectionResult
	require.NoError(t, json.Unmarshal(got.FinalAction, &stored))
	assert.Equal(t, core.ActionPonder, stored.SelectedAction)

	// Terminal write happens exactly once.
	prior, err = store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtDeferred)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtPending, prior)
	prior, err = store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtCompleted)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtDeferred, prior)

	got, err = store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtDeferred, got.Status)
}

func TestClaimPendingThought(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := core.NewTask("root", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, task))
	thought := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, "claim me", core.ThoughtContext{})
	require.NoError(t, store.AddThought(ctx, thought))

	claimed, err := store.ClaimPendingThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimPendingThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must lose")

	claimed, err = store.ClaimPendingThought(ctx, "th-missing")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtProcessing, got.Status)
}

func TestClaimPendingThoughtConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := core.NewTask("root", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, task))
	thought := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, "contended", core.ThoughtContext{})
	require.NoError(t, store.AddThought(ctx, thought))

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimPendingThought(ctx, thought.ID)
			assert.NoError(t, err)
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	var won int
	for claimed := range wins {
		if claimed {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one worker claims the thought")
}

func TestPendingThoughtsAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	task := core.NewTask("root", 0, core.TaskContext{})
	require.NoError(t, store.AddTask(ctx, task))

	mk := func(content string, offset time.Duration) *core.Thought {
		th := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, content, core.ThoughtContext{})
		th.CreatedAt = base.Add(offset)
		th.UpdatedAt = th.CreatedAt
		require.NoError(t, store.AddThought(ctx, th))
		return th
	}

	second := mk("second", time.Second)
	first := mk("first", 0)
	third := mk("third", 2*time.Second)

	got, err := store.PendingThoughts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, third.ID, got[2].ID)

	byTask, err := store.ThoughtsByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, byTask, 3)

	_, err = store.UpdateThoughtStatus(ctx, first.ID, core.ThoughtCompleted)
	require.NoError(t, err)

	deleted, err := store.DeleteThoughtsByStatus(ctx, task.ID, core.ThoughtPending, core.ThoughtProcessing)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	byTask, err = store.ThoughtsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, first.ID, byTask[0].ID)
}

func TestCorrelationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	corr := core.NewCorrelation("task-1", "th-1", "communication", "console", "speak",
		map[string]string{"channel_id": "home", "content": "hi"})
	require.NoError(t, store.AddCorrelation(ctx, corr))

	// Pending correlations are visible under their action type.
	pending, err := store.CorrelationsByTaskAndAction(ctx, "task-1", "speak", core.CorrelationPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, corr.ID, pending[0].ID)
	assert.Equal(t, "console", pending[0].HandlerName)

	require.NoError(t, store.UpdateCorrelationStatus(ctx, corr.ID, core.CorrelationCompleted, json.RawMessage(`{"ok":true}`)))

	completed, err := store.CorrelationsByTaskAndAction(ctx, "task-1", "speak", core.CorrelationCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.JSONEq(t, `{"ok":true}`, string(completed[0].ResponseData))

	pending, err = store.CorrelationsByTaskAndAction(ctx, "task-1", "speak", core.CorrelationPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.UpdateCorrelationStatus(ctx, "corr-missing", core.CorrelationCompleted, nil)
	require.ErrorIs(t, err, ErrNotFound)
}
