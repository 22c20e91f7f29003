// Package persistence defines the durable store port for tasks, thoughts and
// correlations, plus the SQLite adapter the runtime ships with. The store is
// the single source of truth: queues and managers hold ids, never state.
package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"ethos/internal/core"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskUpdate holds optional fields for an UpdateTaskStatus call.
type TaskUpdate struct {
	Outcome *string
}

// TaskUpdateOption customises an UpdateTaskStatus call.
type TaskUpdateOption func(*TaskUpdate)

// WithOutcome records the task outcome alongside the status change.
func WithOutcome(outcome string) TaskUpdateOption {
	return func(u *TaskUpdate) { u.Outcome = &outcome }
}

// ApplyTaskUpdateOptions collects options into a TaskUpdate.
func ApplyTaskUpdateOptions(opts []TaskUpdateOption) TaskUpdate {
	var u TaskUpdate
	for _, fn := range opts {
		fn(&u)
	}
	return u
}

// ThoughtUpdate holds optional fields for an UpdateThoughtStatus call.
type ThoughtUpdate struct {
	FinalAction json.RawMessage
	PonderCount *int
	PonderNotes []string
}

// ThoughtUpdateOption customises an UpdateThoughtStatus call.
type ThoughtUpdateOption func(*ThoughtUpdate)

// WithFinalAction records the dispatched action alongside the status change.
func WithFinalAction(raw json.RawMessage) ThoughtUpdateOption {
	return func(u *ThoughtUpdate) { u.FinalAction = raw }
}

// WithPonderState updates the ponder round counter and accumulated notes.
func WithPonderState(count int, notes []string) ThoughtUpdateOption {
	return func(u *ThoughtUpdate) {
		u.PonderCount = &count
		u.PonderNotes = notes
	}
}

// ApplyThoughtUpdateOptions collects options into a ThoughtUpdate.
func ApplyThoughtUpdateOptions(opts []ThoughtUpdateOption) ThoughtUpdate {
	var u ThoughtUpdate
	for _, fn := range opts {
		fn(&u)
	}
	return u
}

// Store is the persistence port.
//
// Status updates are guarded: a record already in a terminal status is never
// rewritten. Both update methods return the status the record held before
// the call, so callers can detect a lost race by checking IsTerminal on the
// returned value.
type Store interface {
	// EnsureSchema creates or migrates the schema.
	EnsureSchema(ctx context.Context) error

	// AddTask persists a new task.
	AddTask(ctx context.Context, task *core.Task) error

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, taskID string) (*core.Task, error)

	// TaskExists reports whether a task id is present.
	TaskExists(ctx context.Context, taskID string) (bool, error)

	// UpdateTaskStatus transitions a task unless it is already terminal and
	// returns the prior status.
	UpdateTaskStatus(ctx context.Context, taskID string, status core.TaskStatus, opts ...TaskUpdateOption) (core.TaskStatus, error)

	// CountTasks counts tasks in the given status.
	CountTasks(ctx context.Context, status core.TaskStatus) (int, error)

	// PendingTasksForActivation returns pending tasks, highest priority and
	// oldest first.
	PendingTasksForActivation(ctx context.Context, limit int) ([]*core.Task, error)

	// ActiveTasksWithoutThoughts returns active tasks that currently have no
	// pending or processing thought, highest priority and oldest first.
	ActiveTasksWithoutThoughts(ctx context.Context, limit int) ([]*core.Task, error)

	// AddThought persists a new thought.
	AddThought(ctx context.Context, thought *core.Thought) error

	// GetThought retrieves a thought by id.
	GetThought(ctx context.Context, thoughtID string) (*core.Thought, error)

	// UpdateThoughtStatus transitions a thought unless it is already terminal
	// and returns the prior status.
	UpdateThoughtStatus(ctx context.Context, thoughtID string, status core.ThoughtStatus, opts ...ThoughtUpdateOption) (core.ThoughtStatus, error)

	// ClaimPendingThought atomically moves a pending thought to processing.
	// It reports false when another worker already claimed it.
	ClaimPendingThought(ctx context.Context, thoughtID string) (bool, error)

	// PendingThoughts returns pending thoughts, oldest first.
	PendingThoughts(ctx context.Context, limit int) ([]*core.Thought, error)

	// ThoughtsByTask returns every thought belonging to a task, oldest first.
	ThoughtsByTask(ctx context.Context, taskID string) ([]*core.Thought, error)

	// DeleteThoughtsByStatus removes a task's thoughts in the given statuses
	// and returns how many were deleted.
	DeleteThoughtsByStatus(ctx context.Context, taskID string, statuses ...core.ThoughtStatus) (int, error)

	// AddCorrelation persists a new service correlation.
	AddCorrelation(ctx context.Context, corr *core.Correlation) error

	// UpdateCorrelationStatus finalizes a correlation with its response.
	UpdateCorrelationStatus(ctx context.Context, correlationID string, status core.CorrelationStatus, response json.RawMessage) error

	// CorrelationsByTaskAndAction returns a task's correlations for one action
	// type in the given status.
	CorrelationsByTaskAndAction(ctx context.Context, taskID, actionType string, status core.CorrelationStatus) ([]*core.Correlation, error)

	// Close releases the underlying database handle.
	Close() error
}
