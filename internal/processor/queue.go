// Package processor drives the agent's top-level loop: the WAKEUP ritual,
// the WORK tick that feeds claimed thoughts through the pipeline, the
// optional low-intensity DREAM mode and the final SHUTDOWN drain. It owns
// the processing queue, the ponder bounds and the task lifecycle helpers
// the loop is built from.
package processor

import (
	"context"
	"fmt"
	"sync"

	"ethos/internal/core"
	"ethos/internal/observability"
)

// DefaultQueueCapacity applies when the configured capacity is not positive.
const DefaultQueueCapacity = 64

// ProcessingQueue is the bounded buffer between the feeder (claiming pending
// thoughts) and the workers (running the pipeline). It carries handles, not
// thoughts; workers re-fetch the full record so they always act on fresh
// state. Enqueue never blocks: a full queue is backpressure the feeder must
// honor by releasing its claim.
type ProcessingQueue struct {
	items   chan core.QueueItem
	metrics *observability.MetricsCollector

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewProcessingQueue builds a queue holding up to capacity handles.
func NewProcessingQueue(capacity int, metrics *observability.MetricsCollector) *ProcessingQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &ProcessingQueue{
		items:   make(chan core.QueueItem, capacity),
		metrics: observability.OrNopMetrics(metrics),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a handle without blocking. It fails when the queue is full or
// closed; the caller decides whether to release the claim or retry later.
func (q *ProcessingQueue) Enqueue(ctx context.Context, item core.QueueItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("enqueue thought %s: queue is closed", item.ThoughtID)
	}
	select {
	case q.items <- item:
		q.mu.Unlock()
		q.metrics.AddQueueDepth(ctx, 1)
		return nil
	default:
		q.mu.Unlock()
		return fmt.Errorf("enqueue thought %s: queue is full at capacity %d", item.ThoughtID, cap(q.items))
	}
}

// Dequeue blocks until a handle is available, the queue closes or ctx ends.
// The boolean is false exactly when no item was handed out.
func (q *ProcessingQueue) Dequeue(ctx context.Context) (core.QueueItem, bool) {
	select {
	case item := <-q.items:
		q.metrics.AddQueueDepth(ctx, -1)
		return item, true
	case <-q.done:
		return core.QueueItem{}, false
	case <-ctx.Done():
		return core.QueueItem{}, false
	}
}

// Len reports the number of buffered handles.
func (q *ProcessingQueue) Len() int {
	return len(q.items)
}

// Close stops the queue: Enqueue fails and blocked Dequeue calls return.
// Buffered handles stay in place for Drain. Safe to call more than once.
func (q *ProcessingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain empties the buffer and returns whatever was still queued, so the
// shutdown path can release the claims behind unstarted handles.
func (q *ProcessingQueue) Drain(ctx context.Context) []core.QueueItem {
	var out []core.QueueItem
	for {
		select {
		case item := <-q.items:
			q.metrics.AddQueueDepth(ctx, -1)
			out = append(out, item)
		default:
			return out
		}
	}
}
