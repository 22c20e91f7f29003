package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
	"ethos/internal/persistence"
)

func newTaskManager(t *testing.T, store persistence.Store, cfg TaskManagerConfig) *TaskManager {
	t.Helper()
	tm, err := NewTaskManager(store, cfg, nil)
	require.NoError(t, err)
	return tm
}

func addPendingTask(t *testing.T, store persistence.Store, description string, priority int) *core.Task {
	t.Helper()
	task := core.NewTask(description, priority, core.TaskContext{ChannelID: "ops"})
	require.NoError(t, store.AddTask(context.Background(), task))
	return task
}

func TestActivatePendingTasksHonorsCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{MaxActiveTasks: 2})

	addPendingTask(t, store, "first", 5)
	addPendingTask(t, store, "second", 5)
	addPendingTask(t, store, "third", 5)

	activated, err := tm.ActivatePendingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, activated)

	active, err := store.CountTasks(ctx, core.TaskActive)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	// Cap reached, the third stays pending.
	activated, err = tm.ActivatePendingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, activated)

	pending, err := store.CountTasks(ctx, core.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestActivatePendingTasksPrefersPriority(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{MaxActiveTasks: 1})

	addPendingTask(t, store, "low", 1)
	urgent := addPendingTask(t, store, "urgent", 9)

	_, err := tm.ActivatePendingTasks(ctx)
	require.NoError(t, err)

	got, err := store.GetTask(ctx, urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, got.Status)
}

func TestTasksNeedingSeedSkipsProtectedRoots(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{})

	root := core.NewTask("system root", 1, core.TaskContext{})
	root.ID = core.SystemRootTaskID
	root.Status = core.TaskActive
	require.NoError(t, store.AddTask(ctx, root))

	plain := addPendingTask(t, store, "plain work", 5)
	_, err := store.UpdateTaskStatus(ctx, plain.ID, core.TaskActive)
	require.NoError(t, err)

	seeded := addPendingTask(t, store, "already has a thought", 5)
	_, err = store.UpdateTaskStatus(ctx, seeded.ID, core.TaskActive)
	require.NoError(t, err)
	thought := core.NewThought(seeded.ID, core.ThoughtTypeStandard, 1, "open", core.ThoughtContext{})
	require.NoError(t, store.AddThought(ctx, thought))

	needing, err := tm.TasksNeedingSeed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, needing, 1)
	assert.Equal(t, plain.ID, needing[0].ID)
}

func TestSeedThoughtCarriesTaskContext(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{HomeChannelID: "home"})

	task := core.NewTask("say hello to ada", 5, core.TaskContext{
		ChannelID:  "ops",
		AuthorID:   "u1",
		AuthorName: "ada",
		StepType:   "",
	})
	require.NoError(t, store.AddTask(ctx, task))

	thought, err := tm.SeedThought(ctx, task, 7)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtTypeStandard, thought.Type)
	assert.Equal(t, task.Description, thought.Content)
	assert.Equal(t, 7, thought.RoundNumber)
	assert.Equal(t, "ops", thought.Context.ChannelID)
	assert.Equal(t, "ada", thought.Context.AuthorName)
	assert.Equal(t, task.Description, thought.Context.TaskDescription)

	got, err := store.GetThought(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtPending, got.Status)
}

func TestSeedThoughtForMessageTaskIsObservation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{HomeChannelID: "home"})

	task := core.NewTask("respond to ada", 5, core.TaskContext{
		AuthorID:  "u1",
		MessageID: "m-1",
		Custom:    map[string]string{"origin_message": "ponder"},
	})
	require.NoError(t, store.AddTask(ctx, task))

	thought, err := tm.SeedThought(ctx, task, 1)
	require.NoError(t, err)
	assert.Equal(t, core.ThoughtTypeObservation, thought.Type)
	assert.Equal(t, "ponder", thought.Context.OriginMessage)
	// No channel on the task, the home channel fills in.
	assert.Equal(t, "home", thought.Context.ChannelID)
}

func TestCreateWakeupSequenceOrdersSteps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{HomeChannelID: "home"})

	steps, err := tm.CreateWakeupSequenceTasks(ctx, "ritual")
	require.NoError(t, err)
	require.Len(t, steps, len(core.WakeupSteps()))

	for i, want := range core.WakeupSteps() {
		assert.Equal(t, want, steps[i].Context.StepType)
		assert.Equal(t, core.WakeupRootTaskID, steps[i].ParentTaskID)
		assert.Equal(t, core.TaskActive, steps[i].Status)
		assert.Equal(t, "ritual", steps[i].Context.ChannelID)
		assert.NotEmpty(t, steps[i].Description)
	}

	root, err := store.GetTask(ctx, core.WakeupRootTaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, root.Status)
}

func TestCreateWakeupSequenceReusesRoot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{HomeChannelID: "home"})

	first, err := tm.CreateWakeupSequenceTasks(ctx, "ritual")
	require.NoError(t, err)
	second, err := tm.CreateWakeupSequenceTasks(ctx, "ritual")
	require.NoError(t, err)

	// Fresh step tasks each run, same root.
	assert.NotEqual(t, first[0].ID, second[0].ID)
	root, err := store.GetTask(ctx, core.WakeupRootTaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, root.Status)
}

func TestIngestMessageDeduplicatesAndSkipsBots(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{})

	msg := core.IncomingMessage{
		ID:         "m-1",
		ChannelID:  "ops",
		AuthorID:   "u1",
		AuthorName: "ada",
		Content:    "what is the deploy status?",
		Timestamp:  time.Now().UTC(),
	}

	task, created, err := tm.IngestMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, core.TaskPending, task.Status)
	assert.Equal(t, "m-1", task.Context.MessageID)
	assert.Equal(t, "ops", task.Context.ChannelID)
	assert.Contains(t, task.Description, "ada")
	assert.Contains(t, task.Description, "deploy status")
	assert.Equal(t, msg.Content, task.Context.Custom["origin_message"])

	_, created, err = tm.IngestMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)

	bot := msg
	bot.ID = "m-2"
	bot.IsBot = true
	_, created, err = tm.IngestMessage(ctx, bot)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = tm.IngestMessage(ctx, core.IncomingMessage{})
	require.Error(t, err)
}

func TestReseedChannelMonitorSkipsOpenThought(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{HomeChannelID: "home"})

	first, err := tm.ReseedChannelMonitor(ctx, "", 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, core.ChannelMonitorTaskID, first.SourceTaskID)
	assert.Equal(t, core.ThoughtTypeObservation, first.Type)
	assert.Equal(t, "home", first.Context.ChannelID)

	skipped, err := tm.ReseedChannelMonitor(ctx, "", 2)
	require.NoError(t, err)
	assert.Nil(t, skipped)

	_, err = store.UpdateThoughtStatus(ctx, first.ID, core.ThoughtCompleted)
	require.NoError(t, err)

	again, err := tm.ReseedChannelMonitor(ctx, "", 3)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestSeedDreamReflection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tm := newTaskManager(t, store, TaskManagerConfig{HomeChannelID: "home"})

	thought, err := tm.SeedDreamReflection(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, core.DreamRootTaskID, thought.SourceTaskID)
	assert.Equal(t, core.ThoughtTypePonder, thought.Type)

	root, err := store.GetTask(ctx, core.DreamRootTaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, root.Status)
}
