package handlers

import (
	"context"
	"fmt"

	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/persistence"
)

// RejectHandler refuses a request outright. The thought fails, the parent
// task is marked rejected so it never re-seeds, and an optional filter
// request is preserved in the audit trail for the operator.
type RejectHandler struct {
	base
}

// NewRejectHandler wires the reject handler.
func NewRejectHandler(deps Deps) *RejectHandler {
	return &RejectHandler{base: newBase(deps, "reject_handler", core.ActionReject)}
}

func (h *RejectHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.RejectParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, params.Reason)

	if err := h.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
		return err
	}

	if h.isProtected(thought.SourceTaskID) {
		h.logger.Info("task %s is protected, leaving it active after rejection", thought.SourceTaskID)
	} else {
		outcome := persistence.WithOutcome("rejected: " + params.Reason)
		if _, err := h.store.UpdateTaskStatus(ctx, thought.SourceTaskID, core.TaskRejected, outcome); err != nil {
			return fmt.Errorf("reject task %s: %w", thought.SourceTaskID, err)
		}
	}

	detail := params.Reason
	if params.CreateFilter {
		detail = fmt.Sprintf("%s (filter requested: pattern %q, type %s, priority %d)",
			params.Reason, params.FilterPattern, params.FilterType, params.FilterPriority)
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, detail)
	return nil
}

var _ dispatch.Handler = (*RejectHandler)(nil)
