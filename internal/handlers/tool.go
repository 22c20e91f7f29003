package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/services"
)

// defaultToolTimeout caps how long a tool execution may run before the
// handler gives up and fails the thought.
const defaultToolTimeout = 30 * time.Second

// ToolHandler validates and executes one external tool call, recording the
// attempt as a correlation so the outcome survives restarts.
type ToolHandler struct {
	base
	timeout time.Duration
}

// NewToolHandler wires the tool handler.
func NewToolHandler(deps Deps) *ToolHandler {
	timeout := deps.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &ToolHandler{
		base:    newBase(deps, "tool_handler", core.ActionTool),
		timeout: timeout,
	}
}

// Handle validates the call against the provider, executes it under the
// result timeout, and reports the output or failure in a follow-up.
func (h *ToolHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.ToolParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, "tool "+params.Name)

	if err := h.bus.ValidateToolParams(ctx, h.name, params.Name, params.Args); err != nil {
		h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, err.Error())
		if ferr := h.finalize(ctx, thought, core.ThoughtFailed, action); ferr != nil {
			return ferr
		}
		content := fmt.Sprintf("Tool %s rejected the parameters: %v. Adjust the arguments or pick another tool.", params.Name, err)
		_, ferr := h.followUp(ctx, thought, core.ThoughtTypeError, content)
		return ferr
	}

	corr := core.NewCorrelation(thought.SourceTaskID, thought.ID, string(services.TypeTool), h.name, "tool", params)
	if err := h.store.AddCorrelation(ctx, corr); err != nil {
		return fmt.Errorf("record tool correlation: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	result, err := h.bus.ExecuteTool(execCtx, h.name, params.Name, params.Args, corr.ID)
	if err != nil {
		return h.handleExecFailure(ctx, action, thought, dispatchCtx, corr.ID, params.Name, err)
	}
	if !result.OK() {
		return h.handleExecFailure(ctx, action, thought, dispatchCtx, corr.ID, params.Name, stderrors.New(result.Error))
	}

	response, _ := json.Marshal(result)
	if err := h.store.UpdateCorrelationStatus(ctx, corr.ID, core.CorrelationCompleted, response); err != nil {
		h.logger.Warn("tool correlation %s not marked completed: %v", corr.ID, err)
	}
	if err := h.finalize(ctx, thought, core.ThoughtCompleted, action); err != nil {
		return err
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, "tool "+params.Name)

	content := fmt.Sprintf("Tool %s returned: %s. Use this result to advance the task.", params.Name, excerpt(string(result.Output)))
	_, err = h.followUp(ctx, thought, core.ThoughtTypeFollowUp, content)
	return err
}

func (h *ToolHandler) handleExecFailure(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, corrID, tool string, execErr error) error {
	if err := h.store.UpdateCorrelationStatus(ctx, corrID, core.CorrelationFailed, nil); err != nil {
		h.logger.Warn("tool correlation %s not marked failed: %v", corrID, err)
	}
	detail := execErr.Error()
	if stderrors.Is(execErr, context.DeadlineExceeded) {
		detail = fmt.Sprintf("no result within %s", h.timeout)
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, detail)
	if err := h.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
		return err
	}
	content := fmt.Sprintf("Tool %s failed: %s. Decide whether to retry, use another tool, or defer.", tool, detail)
	_, err := h.followUp(ctx, thought, core.ThoughtTypeError, content)
	return err
}

var _ dispatch.Handler = (*ToolHandler)(nil)
