package handlers

import (
	"context"
	"fmt"

	"ethos/internal/core"
	"ethos/internal/dispatch"
)

// PonderHandler hands the questions to the ponder manager, which either
// re-queues the thought for another pipeline pass or parks it at the round
// cap. The requeue IS the continuation, so this handler never writes a
// terminal status or a follow-up itself.
type PonderHandler struct {
	base
	ponderer Ponderer
}

// NewPonderHandler wires the ponder handler.
func NewPonderHandler(deps Deps) *PonderHandler {
	return &PonderHandler{
		base:     newBase(deps, "ponder_handler", core.ActionPonder),
		ponderer: deps.Ponderer,
	}
}

func (h *PonderHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.PonderParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}
	if h.ponderer == nil {
		return fmt.Errorf("ponder handler has no ponder manager")
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, fmt.Sprintf("round %d, %d questions", thought.PonderCount, len(params.Questions)))

	requeued, err := h.ponderer.Ponder(ctx, thought, action, params.Questions)
	if err != nil {
		h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, err.Error())
		return fmt.Errorf("ponder thought %s: %w", thought.ID, err)
	}
	if requeued {
		h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, fmt.Sprintf("re-queued for round %d", thought.PonderCount+1))
	} else {
		h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, "deferred at ponder cap")
	}
	return nil
}

var _ dispatch.Handler = (*PonderHandler)(nil)
