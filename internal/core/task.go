// Package core defines the entities the runtime schedules: tasks, thoughts,
// actions and the records that tie handler side effects back to them. All
// components exchange these types by value or id; the store owns persistence.
package core

import (
	"time"

	"ethos/internal/ids"
)

// TaskStatus tracks the lifecycle of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskDeferred  TaskStatus = "deferred"
	TaskRejected  TaskStatus = "rejected"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskDeferred, TaskRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskActive, TaskCompleted, TaskFailed, TaskDeferred, TaskRejected:
		return true
	default:
		return false
	}
}

// TaskContext carries the typed origin of a task.
type TaskContext struct {
	ChannelID     string            `json:"channel_id,omitempty"`
	AuthorID      string            `json:"author_id,omitempty"`
	AuthorName    string            `json:"author_name,omitempty"`
	OriginService string            `json:"origin_service,omitempty"`
	StepType      string            `json:"step_type,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
}

// Task is a persistent unit of intent, created from an external observation
// or an internal goal.
type Task struct {
	ID           string      `json:"id"`
	Description  string      `json:"description"`
	Status       TaskStatus  `json:"status"`
	Priority     int         `json:"priority"`
	ParentTaskID string      `json:"parent_task_id,omitempty"`
	Context      TaskContext `json:"context"`
	Outcome      string      `json:"outcome,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewTask builds a pending task with a fresh id.
func NewTask(description string, priority int, taskCtx TaskContext) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          ids.NewTaskID(),
		Description: description,
		Status:      TaskPending,
		Priority:    priority,
		Context:     taskCtx,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
