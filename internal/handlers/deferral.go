package handlers

import (
	"context"
	"fmt"
	"time"

	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/persistence"
)

// DeferHandler escalates a thought to the wise authority. The deferral
// package is best-effort: losing the authority does not keep the thought
// spinning. The parent task defers with it unless it is a protected root.
type DeferHandler struct {
	base
}

// NewDeferHandler wires the defer handler.
func NewDeferHandler(deps Deps) *DeferHandler {
	return &DeferHandler{base: newBase(deps, "defer_handler", core.ActionDefer)}
}

func (h *DeferHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.DeferParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, params.Reason)

	pkg := core.DeferralPackage{
		ThoughtID:      thought.ID,
		TaskID:         thought.SourceTaskID,
		Reason:         params.Reason,
		ThoughtContent: thought.Content,
		DMASummaries:   thought.Context.DMASummaries,
		PonderNotes:    thought.PonderNotes,
		DeferUntil:     params.DeferUntil,
		CreatedAt:      time.Now().UTC(),
	}
	if task, terr := h.store.GetTask(ctx, thought.SourceTaskID); terr == nil {
		pkg.TaskDescription = task.Description
	}
	if err := h.bus.SendDeferral(ctx, h.name, pkg); err != nil {
		// The escalation record still lands in the store; a missing
		// authority only costs the human notification.
		h.logger.Warn("deferral for thought %s not delivered: %v", thought.ID, err)
	}

	if err := h.finalize(ctx, thought, core.ThoughtDeferred, action); err != nil {
		return err
	}

	if h.isProtected(thought.SourceTaskID) {
		h.logger.Info("task %s is protected, leaving it active after deferral", thought.SourceTaskID)
	} else {
		outcome := persistence.WithOutcome("deferred: " + params.Reason)
		if _, err := h.store.UpdateTaskStatus(ctx, thought.SourceTaskID, core.TaskDeferred, outcome); err != nil {
			return fmt.Errorf("defer task %s: %w", thought.SourceTaskID, err)
		}
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, params.Reason)
	return nil
}

var _ dispatch.Handler = (*DeferHandler)(nil)
