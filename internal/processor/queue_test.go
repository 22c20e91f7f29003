package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ethos/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func queueItem(id string) core.QueueItem {
	return core.QueueItem{ThoughtID: id, SourceTaskID: "task-" + id, Type: core.ThoughtTypeStandard}
}

func TestQueueEnqueueDequeueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewProcessingQueue(4, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, queueItem("a")))
	require.NoError(t, q.Enqueue(ctx, queueItem("b")))
	assert.Equal(t, 2, q.Len())

	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", first.ThoughtID)

	second, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", second.ThoughtID)
	assert.Equal(t, 0, q.Len())
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewProcessingQueue(1, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, queueItem("a")))
	err := q.Enqueue(ctx, queueItem("b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
	assert.Equal(t, 1, q.Len())
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	ctx := context.Background()
	q := NewProcessingQueue(1, nil)

	got := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		got <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("dequeue still blocked after close")
	}
}

func TestQueueClosedRejectsEnqueueAndDrains(t *testing.T) {
	ctx := context.Background()
	q := NewProcessingQueue(4, nil)
	require.NoError(t, q.Enqueue(ctx, queueItem("a")))
	require.NoError(t, q.Enqueue(ctx, queueItem("b")))

	q.Close()
	q.Close() // second close is a no-op

	err := q.Enqueue(ctx, queueItem("c"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	drained := q.Drain(ctx)
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].ThoughtID)
	assert.Equal(t, "b", drained[1].ThoughtID)
	assert.Empty(t, q.Drain(ctx))
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewProcessingQueue(1, nil)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}
