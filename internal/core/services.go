package core

import (
	"encoding/json"
	"time"

	"ethos/internal/ids"
)

// MemoryOpStatus is the policy outcome of a memory operation.
type MemoryOpStatus string

const (
	MemoryOpOK       MemoryOpStatus = "ok"
	MemoryOpDenied   MemoryOpStatus = "denied"
	MemoryOpDeferred MemoryOpStatus = "deferred"
	MemoryOpError    MemoryOpStatus = "error"
)

// MemoryOpResult is what the memory service returns for memorize, recall and
// forget. Data is set only by recall.
type MemoryOpResult struct {
	Status MemoryOpStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Data   []GraphNode    `json:"data,omitempty"`
}

// RecallQuery addresses graph memory either by node id or by a free-text
// query over node attributes.
type RecallQuery struct {
	NodeID   string     `json:"node_id,omitempty"`
	NodeType NodeType   `json:"node_type,omitempty"`
	Scope    GraphScope `json:"scope,omitempty"`
	Query    string     `json:"query,omitempty"`
}

// ToolSchema describes one tool a tool provider advertises.
type ToolSchema struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Provider    string            `json:"provider,omitempty"`
}

// ToolResult is the outcome of one tool execution, keyed by correlation id.
type ToolResult struct {
	CorrelationID string          `json:"correlation_id"`
	Tool          string          `json:"tool"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// OK reports whether the execution produced a usable output.
func (r ToolResult) OK() bool {
	return r.Error == ""
}

// DeferralPackage is the escalation record sent to the wise authority when a
// thought defers. It carries enough context for a human to pick the work up.
type DeferralPackage struct {
	ThoughtID       string            `json:"thought_id"`
	TaskID          string            `json:"task_id"`
	Reason          string            `json:"reason"`
	ThoughtContent  string            `json:"thought_content,omitempty"`
	TaskDescription string            `json:"task_description,omitempty"`
	DMASummaries    map[string]string `json:"dma_summaries,omitempty"`
	PonderNotes     []string          `json:"ponder_notes,omitempty"`
	DeferUntil      *time.Time        `json:"defer_until,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AuditOutcome labels the terminal state of an audited handler invocation.
type AuditOutcome string

const (
	AuditOutcomeStart   AuditOutcome = "start"
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailed  AuditOutcome = "failed"
)

// AuditEvent is one entry in the audit trail. Handlers emit one at dispatch
// start and one with the success or failed outcome.
type AuditEvent struct {
	ID        string       `json:"id"`
	Action    ActionKind   `json:"action"`
	Handler   string       `json:"handler"`
	TaskID    string       `json:"task_id,omitempty"`
	ThoughtID string       `json:"thought_id,omitempty"`
	ChannelID string       `json:"channel_id,omitempty"`
	Outcome   AuditOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewAuditEvent stamps a new audit entry with an id and UTC timestamp.
// Callers fill the correlation fields before emitting it.
func NewAuditEvent(action ActionKind, handler string, outcome AuditOutcome) AuditEvent {
	return AuditEvent{
		ID:        ids.NewEventID(),
		Action:    action,
		Handler:   handler,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}

// CompletionRequest is the structured completion primitive evaluators and
// guardrail probes send to the LLM provider.
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	JSONOnly    bool    `json:"json_only,omitempty"`
}

// CompletionResponse is the provider's answer plus token accounting.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}
