package core

import (
	"encoding/json"
	"time"

	"ethos/internal/ids"
)

// ThoughtStatus tracks the lifecycle of a thought.
type ThoughtStatus string

const (
	ThoughtPending    ThoughtStatus = "pending"
	ThoughtProcessing ThoughtStatus = "processing"
	ThoughtCompleted  ThoughtStatus = "completed"
	ThoughtFailed     ThoughtStatus = "failed"
	ThoughtDeferred   ThoughtStatus = "deferred"
)

// IsTerminal reports whether the status is final.
func (s ThoughtStatus) IsTerminal() bool {
	switch s {
	case ThoughtCompleted, ThoughtFailed, ThoughtDeferred:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known thought status.
func (s ThoughtStatus) Valid() bool {
	switch s {
	case ThoughtPending, ThoughtProcessing, ThoughtCompleted, ThoughtFailed, ThoughtDeferred:
		return true
	default:
		return false
	}
}

// ThoughtType classifies why a thought exists.
type ThoughtType string

const (
	ThoughtTypeStandard    ThoughtType = "standard"
	ThoughtTypeFollowUp    ThoughtType = "follow_up"
	ThoughtTypePonder      ThoughtType = "ponder"
	ThoughtTypeObservation ThoughtType = "observation"
	ThoughtTypeMemory      ThoughtType = "memory"
	ThoughtTypeError       ThoughtType = "error"
	ThoughtTypeFeedback    ThoughtType = "feedback"
	ThoughtTypeGuidance    ThoughtType = "guidance"
)

// ThoughtContext is the structured snapshot a thought carries into the
// pipeline. OriginMessage holds the literal external message body so the
// evaluators can honor the forced-ponder escape word.
type ThoughtContext struct {
	ChannelID       string            `json:"channel_id,omitempty"`
	AuthorID        string            `json:"author_id,omitempty"`
	AuthorName      string            `json:"author_name,omitempty"`
	OriginService   string            `json:"origin_service,omitempty"`
	TaskDescription string            `json:"task_description,omitempty"`
	OriginMessage   string            `json:"origin_message,omitempty"`
	StepType        string            `json:"step_type,omitempty"`
	Snapshot        *SystemSnapshot   `json:"snapshot,omitempty"`
	DMASummaries    map[string]string `json:"dma_summaries,omitempty"`
	Custom          map[string]string `json:"custom,omitempty"`
}

// SystemSnapshot is the environment summary assembled per pipeline entry.
type SystemSnapshot struct {
	AgentName        string       `json:"agent_name"`
	AgentRole        string       `json:"agent_role,omitempty"`
	HomeChannelID    string       `json:"home_channel_id,omitempty"`
	ActiveTasks      int          `json:"active_tasks"`
	PendingTasks     int          `json:"pending_tasks"`
	CurrentRound     int          `json:"current_round"`
	MaxRounds        int          `json:"max_rounds"`
	PermittedActions []ActionKind `json:"permitted_actions,omitempty"`
	RecentEvents     []string     `json:"recent_events,omitempty"`
}

// Thought is a single deliberation attempt belonging to a task.
type Thought struct {
	ID              string          `json:"id"`
	SourceTaskID    string          `json:"source_task_id"`
	ParentThoughtID string          `json:"parent_thought_id,omitempty"`
	Type            ThoughtType     `json:"type"`
	Status          ThoughtStatus   `json:"status"`
	RoundNumber     int             `json:"round_number"`
	PonderCount     int             `json:"ponder_count"`
	PonderNotes     []string        `json:"ponder_notes,omitempty"`
	Context         ThoughtContext  `json:"context"`
	Content         string          `json:"content"`
	FinalAction     json.RawMessage `json:"final_action,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewThought builds a pending thought for a task.
func NewThought(taskID string, thoughtType ThoughtType, round int, content string, thoughtCtx ThoughtContext) *Thought {
	now := time.Now().UTC()
	return &Thought{
		ID:           ids.NewThoughtID(),
		SourceTaskID: taskID,
		Type:         thoughtType,
		Status:       ThoughtPending,
		RoundNumber:  round,
		Context:      thoughtCtx,
		Content:      content,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewFollowUpThought builds the child thought a handler emits after acting.
// Lineage is by ids only: the child inherits the source task, points at its
// parent, and carries ponder_count = parent.ponder_count + 1.
func NewFollowUpThought(parent *Thought, thoughtType ThoughtType, round int, content string) *Thought {
	child := NewThought(parent.SourceTaskID, thoughtType, round, content, parent.Context)
	child.ParentThoughtID = parent.ID
	child.PonderCount = parent.PonderCount + 1
	child.PonderNotes = append([]string(nil), parent.PonderNotes...)
	return child
}
