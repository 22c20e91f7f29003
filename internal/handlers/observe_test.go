package handlers

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/core"
)

func TestObserveHandlerPassiveCompletesQuietly(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{ChannelID: "ops"}, core.ThoughtContext{ChannelID: "ops"})
	handler := NewObserveHandler(f.deps)
	action := core.MustActionResult(core.ActionObserve, core.ObserveParams{}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtCompleted, f.thoughtStatus(t, thought.ID))
	assert.Empty(t, f.followUps(t, thought))
	assert.Zero(t, f.bus.fetchCalls)
}

func TestObserveHandlerActiveSynthesizesMessages(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{ChannelID: "ops"}, core.ThoughtContext{ChannelID: "ops"})
	f.bus.fetched = []core.FetchedMessage{
		{ID: "m1", Content: "deploy is red", AuthorID: "u1", AuthorName: "ada", Timestamp: time.Now()},
		{ID: "m2", Content: "rolling back", AuthorID: "u2", Timestamp: time.Now()},
	}
	handler := NewObserveHandler(f.deps)
	action := core.MustActionResult(core.ActionObserve, core.ObserveParams{ChannelID: "ops", Active: true}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtCompleted, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Equal(t, core.ThoughtTypeObservation, children[0].Type)
	assert.Contains(t, children[0].Content, "ada: deploy is red")
	assert.Contains(t, children[0].Content, "u2: rolling back")
	assert.Contains(t, children[0].Content, "Synthesize")
}

func TestObserveHandlerActiveFetchFailure(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{ChannelID: "ops"}, core.ThoughtContext{ChannelID: "ops"})
	f.bus.fetchErr = stderrors.New("channel gone")
	handler := NewObserveHandler(f.deps)
	action := core.MustActionResult(core.ActionObserve, core.ObserveParams{ChannelID: "ops", Active: true}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	assert.Equal(t, core.ThoughtFailed, f.thoughtStatus(t, thought.ID))
	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Equal(t, core.ThoughtTypeError, children[0].Type)
	assert.Contains(t, children[0].Content, "channel gone")
}

func TestObserveHandlerEmptyChannelStillSynthesizes(t *testing.T) {
	f := newFixture(t)
	task, thought := f.seedThought(t, core.TaskContext{ChannelID: "ops"}, core.ThoughtContext{ChannelID: "ops"})
	handler := NewObserveHandler(f.deps)
	action := core.MustActionResult(core.ActionObserve, core.ObserveParams{ChannelID: "ops", Active: true}, "test")

	err := handler.Handle(context.Background(), action, thought, f.dispatchContext(task, thought))
	require.NoError(t, err)

	children := f.followUps(t, thought)
	require.Len(t, children, 1)
	assert.Contains(t, children[0].Content, "no recent messages")
}
