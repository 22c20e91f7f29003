package processor

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/persistence"
)

const (
	// DefaultMaxActiveTasks caps how many tasks may be ACTIVE at once.
	DefaultMaxActiveTasks = 10

	// messageDedupSize bounds the window of recently ingested message ids.
	messageDedupSize = 512

	wakeupTaskPriority  = 10
	messageTaskPriority = 5
	systemTaskPriority  = 1

	monitorTaskDescription = "Monitor the home channel for activity that needs attention."
	monitorThoughtContent  = "Check the monitored channel for new activity and decide whether anything needs attention."
	dreamTaskDescription   = "Reflect on recent work while the agent rests."
	dreamThoughtContent    = "Dream interlude: review recent tasks and their outcomes, note anything worth memorizing, and ponder what should change when work resumes."
)

// Prescribed content for the wakeup ritual steps, in execution order. Each
// step instructs the agent to affirm something out loud; the task_complete
// handler refuses to close a step that has not produced a delivered message.
var wakeupStepContent = map[string]string{
	core.StepVerifyIdentity:       "Verify your identity. If you are online and know who you are, say so in your channel: state your name, your role and that you are ready to begin.",
	core.StepValidateIntegrity:    "Validate your integrity. If your pipeline, store and services are intact, say so out loud: confirm you can carry an observation through to a faithful action.",
	core.StepEvaluateResilience:   "Evaluate your resilience. If you can recover from errors, defer when uncertain and accept correction, express that readiness in the channel.",
	core.StepAcceptIncompleteness: "Accept your incompleteness. You do not know everything and some tasks will exceed you; say that you accept this and will ask for guidance when you must.",
	core.StepExpressGratitude:     "Express gratitude. Thank those who built and oversee you, and say that you are ready to serve.",
}

// TaskManagerConfig tunes the task lifecycle helpers.
type TaskManagerConfig struct {
	// MaxActiveTasks caps activation. Zero applies DefaultMaxActiveTasks.
	MaxActiveTasks int
	// Protected lists task ids excluded from seeding; the wakeup ritual and
	// scheduled jobs drive those directly. Empty applies
	// core.DefaultProtectedTaskIDs.
	Protected []string
	// HomeChannelID is the fallback channel for tasks created without one.
	HomeChannelID string
}

// TaskManager owns task lifecycle mechanics: raising pending tasks to active
// under the cap, seeding the first thought of a task, building the wakeup
// sequence and turning external messages into observation tasks.
type TaskManager struct {
	store     persistence.Store
	cfg       TaskManagerConfig
	protected map[string]struct{}
	seen      *lru.Cache[string, time.Time]
	logger    logging.Logger
}

// NewTaskManager builds the manager over the store.
func NewTaskManager(store persistence.Store, cfg TaskManagerConfig, logger logging.Logger) (*TaskManager, error) {
	if cfg.MaxActiveTasks <= 0 {
		cfg.MaxActiveTasks = DefaultMaxActiveTasks
	}
	ids := cfg.Protected
	if len(ids) == 0 {
		ids = core.DefaultProtectedTaskIDs()
	}
	protected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		protected[id] = struct{}{}
	}
	seen, err := lru.New[string, time.Time](messageDedupSize)
	if err != nil {
		return nil, fmt.Errorf("task manager: message dedup cache: %w", err)
	}
	return &TaskManager{
		store:     store,
		cfg:       cfg,
		protected: protected,
		seen:      seen,
		logger:    logging.OrNop(logger),
	}, nil
}

// ActivatePendingTasks raises PENDING tasks to ACTIVE until the active count
// reaches the cap. It returns how many tasks were activated.
func (tm *TaskManager) ActivatePendingTasks(ctx context.Context) (int, error) {
	active, err := tm.store.CountTasks(ctx, core.TaskActive)
	if err != nil {
		return 0, fmt.Errorf("activate tasks: count active: %w", err)
	}
	room := tm.cfg.MaxActiveTasks - active
	if room <= 0 {
		return 0, nil
	}
	candidates, err := tm.store.PendingTasksForActivation(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("activate tasks: list pending: %w", err)
	}
	activated := 0
	for _, task := range candidates {
		if _, err := tm.store.UpdateTaskStatus(ctx, task.ID, core.TaskActive); err != nil {
			tm.logger.Error("activate task %s: %v", task.ID, err)
			continue
		}
		activated++
	}
	if activated > 0 {
		tm.logger.Debug("activated %d task(s), %d already active", activated, active)
	}
	return activated, nil
}

// TasksNeedingSeed returns active tasks with no open thought, excluding the
// protected roots the ritual and schedules drive directly. A task whose
// thoughts all settled without closing it gets a fresh round this way.
func (tm *TaskManager) TasksNeedingSeed(ctx context.Context, limit int) ([]*core.Task, error) {
	tasks, err := tm.store.ActiveTasksWithoutThoughts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("tasks needing seed: %w", err)
	}
	out := tasks[:0]
	for _, task := range tasks {
		if _, ok := tm.protected[task.ID]; ok {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// SeedThought creates the first thought of a task: a STANDARD thought whose
// content is the task description, carrying the task's origin context.
func (tm *TaskManager) SeedThought(ctx context.Context, task *core.Task, round int) (*core.Thought, error) {
	if task == nil {
		return nil, fmt.Errorf("seed thought: nil task")
	}
	thoughtCtx := core.ThoughtContext{
		ChannelID:       task.Context.ChannelID,
		AuthorID:        task.Context.AuthorID,
		AuthorName:      task.Context.AuthorName,
		OriginService:   task.Context.OriginService,
		TaskDescription: task.Description,
		StepType:        task.Context.StepType,
	}
	if thoughtCtx.ChannelID == "" {
		thoughtCtx.ChannelID = tm.cfg.HomeChannelID
	}
	thoughtType := core.ThoughtTypeStandard
	if task.Context.MessageID != "" {
		thoughtType = core.ThoughtTypeObservation
		thoughtCtx.OriginMessage = task.Context.Custom["origin_message"]
	}
	thought := core.NewThought(task.ID, thoughtType, round, task.Description, thoughtCtx)
	if err := tm.store.AddThought(ctx, thought); err != nil {
		return nil, fmt.Errorf("seed thought for task %s: %w", task.ID, err)
	}
	tm.logger.Debug("seeded thought %s for task %s", thought.ID, task.ID)
	return thought, nil
}

// CreateWakeupSequenceTasks ensures the WAKEUP_ROOT task exists and is
// ACTIVE, then creates one fresh ACTIVE step task per ritual step, in order.
// The returned slice holds only the step tasks.
func (tm *TaskManager) CreateWakeupSequenceTasks(ctx context.Context, channelID string) ([]*core.Task, error) {
	if channelID == "" {
		channelID = tm.cfg.HomeChannelID
	}
	if err := tm.ensureRoot(ctx, core.WakeupRootTaskID, "Wakeup ritual: affirm identity before taking on work.", channelID); err != nil {
		return nil, err
	}

	steps := core.WakeupSteps()
	tasks := make([]*core.Task, 0, len(steps))
	for _, step := range steps {
		content, ok := wakeupStepContent[step]
		if !ok {
			return nil, fmt.Errorf("wakeup sequence: no content for step %s", step)
		}
		task := core.NewTask(content, wakeupTaskPriority, core.TaskContext{
			ChannelID:     channelID,
			OriginService: "processor",
			StepType:      step,
		})
		task.ParentTaskID = core.WakeupRootTaskID
		task.Status = core.TaskActive
		if err := tm.store.AddTask(ctx, task); err != nil {
			return nil, fmt.Errorf("wakeup sequence: add step %s: %w", step, err)
		}
		tasks = append(tasks, task)
	}
	tm.logger.Info("wakeup sequence created with %d steps on channel %s", len(tasks), channelID)
	return tasks, nil
}

// ReseedChannelMonitor keeps the standing observation job alive: it ensures
// the monitor root exists and attaches a fresh OBSERVATION thought unless an
// open one is already waiting. It returns nil when no seed was needed.
func (tm *TaskManager) ReseedChannelMonitor(ctx context.Context, channelID string, round int) (*core.Thought, error) {
	if channelID == "" {
		channelID = tm.cfg.HomeChannelID
	}
	if err := tm.ensureRoot(ctx, core.ChannelMonitorTaskID, monitorTaskDescription, channelID); err != nil {
		return nil, err
	}
	thoughts, err := tm.store.ThoughtsByTask(ctx, core.ChannelMonitorTaskID)
	if err != nil {
		return nil, fmt.Errorf("reseed monitor: %w", err)
	}
	for _, t := range thoughts {
		if !t.Status.IsTerminal() {
			return nil, nil
		}
	}
	thought := core.NewThought(core.ChannelMonitorTaskID, core.ThoughtTypeObservation, round, monitorThoughtContent, core.ThoughtContext{
		ChannelID:       channelID,
		OriginService:   "scheduler",
		TaskDescription: monitorTaskDescription,
	})
	if err := tm.store.AddThought(ctx, thought); err != nil {
		return nil, fmt.Errorf("reseed monitor: %w", err)
	}
	tm.logger.Debug("channel monitor reseeded with thought %s", thought.ID)
	return thought, nil
}

// SeedDreamReflection ensures the dream root exists and attaches one
// reflection thought for the episode that is starting.
func (tm *TaskManager) SeedDreamReflection(ctx context.Context, round int) (*core.Thought, error) {
	if err := tm.ensureRoot(ctx, core.DreamRootTaskID, dreamTaskDescription, tm.cfg.HomeChannelID); err != nil {
		return nil, err
	}
	thought := core.NewThought(core.DreamRootTaskID, core.ThoughtTypePonder, round, dreamThoughtContent, core.ThoughtContext{
		ChannelID:       tm.cfg.HomeChannelID,
		OriginService:   "scheduler",
		TaskDescription: dreamTaskDescription,
	})
	if err := tm.store.AddThought(ctx, thought); err != nil {
		return nil, fmt.Errorf("seed dream reflection: %w", err)
	}
	tm.logger.Debug("dream reflection seeded as thought %s", thought.ID)
	return thought, nil
}

// ensureRoot creates a fixed-id root task, or re-activates it when a prior
// run left it behind. Roots carry system priority and no parent.
func (tm *TaskManager) ensureRoot(ctx context.Context, id, description, channelID string) error {
	exists, err := tm.store.TaskExists(ctx, id)
	if err != nil {
		return fmt.Errorf("ensure root %s: %w", id, err)
	}
	if exists {
		if _, err := tm.store.UpdateTaskStatus(ctx, id, core.TaskActive); err != nil {
			return fmt.Errorf("ensure root %s: reactivate: %w", id, err)
		}
		return nil
	}
	task := core.NewTask(description, systemTaskPriority, core.TaskContext{
		ChannelID:     channelID,
		OriginService: "processor",
	})
	task.ID = id
	task.Status = core.TaskActive
	if err := tm.store.AddTask(ctx, task); err != nil {
		return fmt.Errorf("ensure root %s: %w", id, err)
	}
	return nil
}

// IngestMessage turns an external message into a PENDING observation task.
// Messages already seen inside the dedup window are dropped; the boolean
// reports whether a task was created.
func (tm *TaskManager) IngestMessage(ctx context.Context, msg core.IncomingMessage) (*core.Task, bool, error) {
	if msg.ID == "" {
		return nil, false, fmt.Errorf("ingest message: empty id")
	}
	if msg.IsBot {
		return nil, false, nil
	}
	if _, dup := tm.seen.Get(msg.ID); dup {
		tm.logger.Debug("message %s already ingested, dropping", msg.ID)
		return nil, false, nil
	}

	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorID
	}
	description := fmt.Sprintf("Respond to %s in channel %s: %s", author, msg.ChannelID, msg.Content)
	task := core.NewTask(description, messageTaskPriority, core.TaskContext{
		ChannelID:     msg.ChannelID,
		AuthorID:      msg.AuthorID,
		AuthorName:    msg.AuthorName,
		OriginService: "communication",
		MessageID:     msg.ID,
		Custom:        map[string]string{"origin_message": msg.Content},
	})
	if err := tm.store.AddTask(ctx, task); err != nil {
		return nil, false, fmt.Errorf("ingest message %s: %w", msg.ID, err)
	}
	tm.seen.Add(msg.ID, time.Now().UTC())
	tm.logger.Info("message %s from %s became task %s", msg.ID, author, task.ID)
	return task, true, nil
}
