package core

// EpistemicData carries the signals the epistemic guardrails measured for a
// proposed action. Entropy estimates how erratic the content is; coherence
// estimates how well it aligns with the agent's identity and the task.
type EpistemicData struct {
	Entropy   float64           `json:"entropy"`
	Coherence float64           `json:"coherence"`
	Notes     map[string]string `json:"notes,omitempty"`
}

// GuardrailResult wraps the action the pipeline selected and the action that
// survived the safety checks. When a guardrail overrides, FinalAction is
// always a ponder carrying questions synthesized from the failure.
type GuardrailResult struct {
	OriginalAction *ActionSelectionResult `json:"original_action"`
	FinalAction    *ActionSelectionResult `json:"final_action"`
	Overridden     bool                   `json:"overridden"`
	OverrideReason string                 `json:"override_reason,omitempty"`
	Epistemic      *EpistemicData         `json:"epistemic,omitempty"`
}

// DispatchContext is the closed record a handler receives alongside the
// thought and the selected action. GuardrailResult is nil only for terminal
// actions (defer, reject, task_complete), which bypass the guardrails.
type DispatchContext struct {
	ChannelID       string           `json:"channel_id,omitempty"`
	AuthorID        string           `json:"author_id,omitempty"`
	AuthorName      string           `json:"author_name,omitempty"`
	OriginService   string           `json:"origin_service,omitempty"`
	HandlerName     string           `json:"handler_name"`
	ActionKind      ActionKind       `json:"action_kind"`
	ThoughtID       string           `json:"thought_id"`
	TaskID          string           `json:"task_id"`
	CorrelationID   string           `json:"correlation_id,omitempty"`
	RoundNumber     int              `json:"round_number"`
	WakeupStep      bool             `json:"wakeup_step,omitempty"`
	GuardrailResult *GuardrailResult `json:"guardrail_result,omitempty"`
}
