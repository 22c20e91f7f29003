package handlers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ethos/internal/core"
	"ethos/internal/persistence"
	"ethos/internal/shutdown"
)

func newTestStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "ethos.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type ponderCall struct {
	ThoughtID string
	Action    *core.ActionSelectionResult
	Questions []string
}

// fakeBus scripts provider outcomes and records every call the handlers make.
type fakeBus struct {
	sendErr     error
	sent        []sentMessage
	fetched     []core.FetchedMessage
	fetchErr    error
	fetchCalls  int
	memorizeRes core.MemoryOpResult
	memorizeErr error
	recallRes   core.MemoryOpResult
	recallErr   error
	forgetRes   core.MemoryOpResult
	forgetErr   error
	forgetCalls int
	toolResult  *core.ToolResult
	toolErr     error
	validateErr error
	toolCalls   int
	audits      []core.AuditEvent
	deferrals   []core.DeferralPackage
	deferralErr error
}

func (b *fakeBus) SendMessage(_ context.Context, _, channelID, content string) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, sentMessage{ChannelID: channelID, Content: content})
	return nil
}

func (b *fakeBus) FetchMessages(_ context.Context, _, _ string, _ int) ([]core.FetchedMessage, error) {
	b.fetchCalls++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.fetched, nil
}

func (b *fakeBus) Memorize(_ context.Context, _ string, _ core.GraphNode) (core.MemoryOpResult, error) {
	return b.memorizeRes, b.memorizeErr
}

func (b *fakeBus) Recall(_ context.Context, _ string, _ core.RecallQuery) (core.MemoryOpResult, error) {
	return b.recallRes, b.recallErr
}

func (b *fakeBus) Forget(_ context.Context, _ string, _ core.GraphNode, _ string) (core.MemoryOpResult, error) {
	b.forgetCalls++
	return b.forgetRes, b.forgetErr
}

func (b *fakeBus) ExecuteTool(_ context.Context, _, _ string, _ map[string]any, _ string) (*core.ToolResult, error) {
	b.toolCalls++
	if b.toolErr != nil {
		return nil, b.toolErr
	}
	return b.toolResult, nil
}

func (b *fakeBus) ValidateToolParams(_ context.Context, _, _ string, _ map[string]any) error {
	return b.validateErr
}

func (b *fakeBus) LogAudit(_ context.Context, _ string, event core.AuditEvent) error {
	b.audits = append(b.audits, event)
	return nil
}

func (b *fakeBus) SendDeferral(_ context.Context, _ string, pkg core.DeferralPackage) error {
	if b.deferralErr != nil {
		return b.deferralErr
	}
	b.deferrals = append(b.deferrals, pkg)
	return nil
}

func (b *fakeBus) auditOutcomes() []core.AuditOutcome {
	outcomes := make([]core.AuditOutcome, 0, len(b.audits))
	for _, event := range b.audits {
		outcomes = append(outcomes, event.Outcome)
	}
	return outcomes
}

type fakePonderer struct {
	requeued bool
	err      error
	calls    []ponderCall
}

func (p *fakePonderer) Ponder(_ context.Context, thought *core.Thought, action *core.ActionSelectionResult, questions []string) (bool, error) {
	p.calls = append(p.calls, ponderCall{ThoughtID: thought.ID, Action: action, Questions: questions})
	if p.err != nil {
		return false, p.err
	}
	return p.requeued, nil
}

type fixture struct {
	store    *persistence.SQLiteStore
	bus      *fakeBus
	ponderer *fakePonderer
	shutdown *shutdown.Manager
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newTestStore(t),
		bus:      &fakeBus{},
		ponderer: &fakePonderer{requeued: true},
		shutdown: shutdown.NewManager(nil),
	}
	f.deps = Deps{
		Store:    f.store,
		Bus:      f.bus,
		Shutdown: f.shutdown,
		Ponderer: f.ponderer,
	}
	return f
}

// seedThought persists an active task plus one claimed thought, the state a
// handler sees when the dispatcher invokes it.
func (f *fixture) seedThought(t *testing.T, taskCtx core.TaskContext, thoughtCtx core.ThoughtContext) (*core.Task, *core.Thought) {
	t.Helper()
	ctx := context.Background()
	task := core.NewTask("test task", 3, taskCtx)
	require.NoError(t, f.store.AddTask(ctx, task))
	_, err := f.store.UpdateTaskStatus(ctx, task.ID, core.TaskActive)
	require.NoError(t, err)

	thought := core.NewThought(task.ID, core.ThoughtTypeStandard, 1, "seed", thoughtCtx)
	require.NoError(t, f.store.AddThought(ctx, thought))
	claimed, err := f.store.ClaimPendingThought(ctx, thought.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	return task, thought
}

func (f *fixture) dispatchContext(task *core.Task, thought *core.Thought) core.DispatchContext {
	return core.DispatchContext{
		ChannelID:   task.Context.ChannelID,
		ThoughtID:   thought.ID,
		TaskID:      task.ID,
		RoundNumber: thought.RoundNumber,
	}
}

func (f *fixture) thoughtStatus(t *testing.T, id string) core.ThoughtStatus {
	t.Helper()
	thought, err := f.store.GetThought(context.Background(), id)
	require.NoError(t, err)
	return thought.Status
}

func (f *fixture) taskStatus(t *testing.T, id string) core.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// followUps returns the children of the given thought, in creation order.
func (f *fixture) followUps(t *testing.T, parent *core.Thought) []*core.Thought {
	t.Helper()
	all, err := f.store.ThoughtsByTask(context.Background(), parent.SourceTaskID)
	require.NoError(t, err)
	var children []*core.Thought
	for _, th := range all {
		if th.ParentThoughtID == parent.ID {
			children = append(children, th)
		}
	}
	return children
}
