package core

import (
	"encoding/json"
	"fmt"
	"time"

	"ethos/internal/errors"
)

// ActionKind is the closed set of actions the pipeline can select.
type ActionKind string

const (
	ActionObserve      ActionKind = "observe"
	ActionSpeak        ActionKind = "speak"
	ActionTool         ActionKind = "tool"
	ActionPonder       ActionKind = "ponder"
	ActionReject       ActionKind = "reject"
	ActionDefer        ActionKind = "defer"
	ActionMemorize     ActionKind = "memorize"
	ActionRecall       ActionKind = "recall"
	ActionForget       ActionKind = "forget"
	ActionTaskComplete ActionKind = "task_complete"
)

// AllActionKinds returns every action kind in dispatch-registry order.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionObserve, ActionSpeak, ActionTool, ActionPonder, ActionReject,
		ActionDefer, ActionMemorize, ActionRecall, ActionForget, ActionTaskComplete,
	}
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionObserve, ActionSpeak, ActionTool, ActionPonder, ActionReject,
		ActionDefer, ActionMemorize, ActionRecall, ActionForget, ActionTaskComplete:
		return true
	default:
		return false
	}
}

// Terminal reports whether k ends the thought without further deliberation.
// Terminal actions are the only ones allowed to bypass guardrails.
func (k ActionKind) Terminal() bool {
	switch k {
	case ActionDefer, ActionReject, ActionTaskComplete:
		return true
	default:
		return false
	}
}

// ResourceUsage records what the selection cost.
type ResourceUsage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ActionSelectionResult is the decision the pipeline dispatches. The
// parameters form a discriminated union keyed by SelectedAction.
type ActionSelectionResult struct {
	SelectedAction   ActionKind      `json:"selected_action"`
	ActionParameters json.RawMessage `json:"action_parameters,omitempty"`
	Rationale        string          `json:"rationale,omitempty"`
	Confidence       float64         `json:"confidence,omitempty"`
	ResourceUsage    *ResourceUsage  `json:"resource_usage,omitempty"`
}

// Marshal renders the result for a thought's final_action record.
func (r *ActionSelectionResult) Marshal() (json.RawMessage, error) {
	return json.Marshal(r)
}

// NewActionResult marshals typed parameters into a selection result.
func NewActionResult(kind ActionKind, params any, rationale string) (*ActionSelectionResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	result := &ActionSelectionResult{SelectedAction: kind, Rationale: rationale}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s parameters: %w", kind, err)
		}
		result.ActionParameters = raw
	}
	return result, nil
}

// MustActionResult is NewActionResult for parameters the runtime itself
// constructs, where a marshal failure is a programming error.
func MustActionResult(kind ActionKind, params any, rationale string) *ActionSelectionResult {
	result, err := NewActionResult(kind, params, rationale)
	if err != nil {
		panic(err)
	}
	return result
}

// Validatable is implemented by every typed parameter shape.
type Validatable interface {
	Validate() error
}

// DecodeParams parses raw action parameters into the typed shape for a kind
// and validates them. Malformed payloads surface as validation errors so
// handlers can fail the thought with a descriptive follow-up.
func DecodeParams[T Validatable](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 || string(raw) == "null" {
		// Some kinds accept empty parameters; Validate decides.
		return params, params.Validate()
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, errors.NewValidationError("action_parameters", err.Error())
	}
	return params, params.Validate()
}

// ObserveParams directs the observe handler.
type ObserveParams struct {
	ChannelID string `json:"channel_id,omitempty"`
	Active    bool   `json:"active,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (p ObserveParams) Validate() error {
	if p.Limit < 0 {
		return errors.NewValidationError("limit", "must not be negative")
	}
	if p.Active && p.ChannelID == "" {
		return errors.NewValidationError("channel_id", "active observation requires a channel")
	}
	return nil
}

// SpeakParams directs the speak handler. ChannelID may arrive empty and be
// injected by the guardrail orchestrator before dispatch.
type SpeakParams struct {
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content"`
}

func (p SpeakParams) Validate() error {
	if p.Content == "" {
		return errors.NewValidationError("content", "must not be empty")
	}
	return nil
}

// ToolParams directs the tool handler.
type ToolParams struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

func (p ToolParams) Validate() error {
	if p.Name == "" {
		return errors.NewValidationError("name", "must not be empty")
	}
	return nil
}

// PonderParams carries the questions for another deliberation round.
type PonderParams struct {
	Questions []string `json:"questions"`
}

func (p PonderParams) Validate() error {
	if len(p.Questions) == 0 {
		return errors.NewValidationError("questions", "at least one question is required")
	}
	return nil
}

// RejectParams directs the reject handler. A filter request suppresses
// similar future requests.
type RejectParams struct {
	Reason         string `json:"reason"`
	CreateFilter   bool   `json:"create_filter,omitempty"`
	FilterPattern  string `json:"filter_pattern,omitempty"`
	FilterType     string `json:"filter_type,omitempty"`
	FilterPriority int    `json:"filter_priority,omitempty"`
}

func (p RejectParams) Validate() error {
	if p.Reason == "" {
		return errors.NewValidationError("reason", "must not be empty")
	}
	if p.CreateFilter && p.FilterPattern == "" {
		return errors.NewValidationError("filter_pattern", "required when create_filter is set")
	}
	return nil
}

// DeferParams directs the defer handler. DeferUntil is advisory and travels
// with the deferral package; nothing auto-reactivates the thought.
type DeferParams struct {
	Reason     string     `json:"reason"`
	DeferUntil *time.Time `json:"defer_until,omitempty"`
}

func (p DeferParams) Validate() error {
	if p.Reason == "" {
		return errors.NewValidationError("reason", "must not be empty")
	}
	return nil
}

// MemorizeParams directs the memorize handler.
type MemorizeParams struct {
	Node GraphNode `json:"node"`
}

func (p MemorizeParams) Validate() error {
	return p.Node.Validate()
}

// RecallParams directs the recall handler; either a node id or a free query.
type RecallParams struct {
	NodeID   string     `json:"node_id,omitempty"`
	NodeType NodeType   `json:"node_type,omitempty"`
	Scope    GraphScope `json:"scope,omitempty"`
	Query    string     `json:"query,omitempty"`
}

func (p RecallParams) Validate() error {
	if p.NodeID == "" && p.Query == "" {
		return errors.NewValidationError("node_id", "either node_id or query is required")
	}
	return nil
}

// ForgetParams directs the forget handler.
type ForgetParams struct {
	Node   GraphNode `json:"node"`
	Reason string    `json:"reason,omitempty"`
}

func (p ForgetParams) Validate() error {
	return p.Node.Validate()
}

// TaskCompleteParams directs the task-complete handler. Empty parameters are
// legal; the reason is recorded as the task outcome when present.
type TaskCompleteParams struct {
	CompletionReason string `json:"completion_reason,omitempty"`
}

func (p TaskCompleteParams) Validate() error {
	return nil
}
