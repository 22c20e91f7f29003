package core

// QueueItem is the lightweight handle the processing queue carries. The queue
// never owns thoughts; workers fetch the full record from the store by id.
type QueueItem struct {
	ThoughtID      string         `json:"thought_id"`
	SourceTaskID   string         `json:"source_task_id"`
	Type           ThoughtType    `json:"type"`
	Priority       int            `json:"priority"`
	InitialContext ThoughtContext `json:"initial_context"`
	PonderNotes    []string       `json:"ponder_notes,omitempty"`
}

// QueueItemFromThought builds the handle for a claimed thought, inheriting
// the owning task's priority.
func QueueItemFromThought(t *Thought, priority int) QueueItem {
	return QueueItem{
		ThoughtID:      t.ID,
		SourceTaskID:   t.SourceTaskID,
		Type:           t.Type,
		Priority:       priority,
		InitialContext: t.Context,
		PonderNotes:    append([]string(nil), t.PonderNotes...),
	}
}
