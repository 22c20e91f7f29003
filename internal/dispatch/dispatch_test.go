package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
	"ethos/internal/persistence"
)

type fakeHandler struct {
	name string
	kind core.ActionKind
	err  error

	mu      sync.Mutex
	handled []core.DispatchContext
}

func (h *fakeHandler) Name() string          { return h.name }
func (h *fakeHandler) Kind() core.ActionKind { return h.kind }

func (h *fakeHandler) Handle(_ context.Context, _ *core.ActionSelectionResult, _ *core.Thought, dispatchCtx core.DispatchContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, dispatchCtx)
	return h.err
}

func (h *fakeHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

type statusUpdate struct {
	thoughtID string
	status    core.ThoughtStatus
}

type recordingStore struct {
	mu      sync.Mutex
	updates []statusUpdate
}

func (s *recordingStore) UpdateThoughtStatus(_ context.Context, thoughtID string, status core.ThoughtStatus, _ ...persistence.ThoughtUpdateOption) (core.ThoughtStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusUpdate{thoughtID: thoughtID, status: status})
	return core.ThoughtProcessing, nil
}

func newTestThought() *core.Thought {
	return core.NewThought("task-1", core.ThoughtTypeStandard, 1, "deliberate", core.ThoughtContext{})
}

func vetted(action *core.ActionSelectionResult) core.DispatchContext {
	return core.DispatchContext{
		GuardrailResult: &core.GuardrailResult{OriginalAction: action, FinalAction: action},
	}
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	d := New(Deps{})
	require.NoError(t, d.Register(&fakeHandler{name: "speak", kind: core.ActionSpeak}))
	err := d.Register(&fakeHandler{name: "speak2", kind: core.ActionSpeak})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already handled")
}

func TestDispatchRoutesToHandler(t *testing.T) {
	speak := &fakeHandler{name: "speak_handler", kind: core.ActionSpeak}
	d := New(Deps{})
	d.MustRegister(speak)

	action := core.MustActionResult(core.ActionSpeak, core.SpeakParams{ChannelID: "c", Content: "hi"}, "")
	err := d.Dispatch(context.Background(), action, newTestThought(), vetted(action))
	require.NoError(t, err)
	require.Equal(t, 1, speak.calls())
	assert.Equal(t, "speak_handler", speak.handled[0].HandlerName)
	assert.Equal(t, core.ActionSpeak, speak.handled[0].ActionKind)
}

func TestDispatchFollowsFinalActionAfterOverride(t *testing.T) {
	speak := &fakeHandler{name: "speak_handler", kind: core.ActionSpeak}
	ponder := &fakeHandler{name: "ponder_handler", kind: core.ActionPonder}
	d := New(Deps{})
	d.MustRegister(speak)
	d.MustRegister(ponder)

	original := core.MustActionResult(core.ActionSpeak, core.SpeakParams{ChannelID: "c", Content: "hi"}, "")
	final := core.MustActionResult(core.ActionPonder, core.PonderParams{Questions: []string{"safe?"}}, "")
	dispatchCtx := core.DispatchContext{
		GuardrailResult: &core.GuardrailResult{OriginalAction: original, FinalAction: final, Overridden: true},
	}

	err := d.Dispatch(context.Background(), original, newTestThought(), dispatchCtx)
	require.NoError(t, err)
	assert.Zero(t, speak.calls(), "overridden action must not reach its handler")
	assert.Equal(t, 1, ponder.calls())
}

func TestDispatchFailsThoughtForUnregisteredKind(t *testing.T) {
	store := &recordingStore{}
	d := New(Deps{Store: store})

	action := core.MustActionResult(core.ActionObserve, core.ObserveParams{}, "")
	thought := newTestThought()
	err := d.Dispatch(context.Background(), action, thought, vetted(action))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")

	require.Len(t, store.updates, 1)
	assert.Equal(t, thought.ID, store.updates[0].thoughtID)
	assert.Equal(t, core.ThoughtFailed, store.updates[0].status)
}

func TestDispatchRejectsNonTerminalWithoutGuardrailResult(t *testing.T) {
	speak := &fakeHandler{name: "speak_handler", kind: core.ActionSpeak}
	store := &recordingStore{}
	d := New(Deps{Store: store})
	d.MustRegister(speak)

	action := core.MustActionResult(core.ActionSpeak, core.SpeakParams{ChannelID: "c", Content: "hi"}, "")
	err := d.Dispatch(context.Background(), action, newTestThought(), core.DispatchContext{})
	require.Error(t, err)
	assert.Zero(t, speak.calls())
	require.Len(t, store.updates, 1)
	assert.Equal(t, core.ThoughtFailed, store.updates[0].status)
}

func TestDispatchAllowsTerminalWithoutGuardrailResult(t *testing.T) {
	deferH := &fakeHandler{name: "defer_handler", kind: core.ActionDefer}
	d := New(Deps{})
	d.MustRegister(deferH)

	action := core.MustActionResult(core.ActionDefer, core.DeferParams{Reason: "human input"}, "")
	err := d.Dispatch(context.Background(), action, newTestThought(), core.DispatchContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, deferH.calls())
}

func TestDispatchMarksFailureWhenHandlerErrors(t *testing.T) {
	store := &recordingStore{}
	broken := &fakeHandler{name: "speak_handler", kind: core.ActionSpeak, err: fmt.Errorf("provider gone")}
	d := New(Deps{Store: store})
	d.MustRegister(broken)

	action := core.MustActionResult(core.ActionSpeak, core.SpeakParams{ChannelID: "c", Content: "hi"}, "")
	thought := newTestThought()
	err := d.Dispatch(context.Background(), action, thought, vetted(action))
	require.Error(t, err)

	require.Len(t, store.updates, 1)
	assert.Equal(t, thought.ID, store.updates[0].thoughtID)
	assert.Equal(t, core.ThoughtFailed, store.updates[0].status)
}
