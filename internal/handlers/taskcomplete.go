package handlers

import (
	"context"
	"fmt"

	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/persistence"
)

// TaskCompleteHandler closes out a task and removes its still-queued sibling
// thoughts. Wakeup step tasks may not complete silently: finishing a step
// without a delivered speak correlation rewrites the action to ponder so the
// step affirms itself out loud first.
type TaskCompleteHandler struct {
	base
	ponderer Ponderer
}

// NewTaskCompleteHandler wires the task-complete handler.
func NewTaskCompleteHandler(deps Deps) *TaskCompleteHandler {
	return &TaskCompleteHandler{
		base:     newBase(deps, "task_complete_handler", core.ActionTaskComplete),
		ponderer: deps.Ponderer,
	}
}

func (h *TaskCompleteHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.TaskCompleteParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, params.CompletionReason)

	if h.requiresSpokenStep(ctx, thought, dispatchCtx) {
		spoken, err := h.hasSpoken(ctx, thought.SourceTaskID)
		if err != nil {
			return err
		}
		if !spoken {
			return h.rewriteToPonder(ctx, thought, dispatchCtx)
		}
	}

	if err := h.finalize(ctx, thought, core.ThoughtCompleted, action); err != nil {
		return err
	}

	if h.isProtected(thought.SourceTaskID) {
		h.logger.Info("task %s is protected, leaving it active after completion", thought.SourceTaskID)
	} else {
		outcome := params.CompletionReason
		if outcome == "" {
			outcome = "completed"
		}
		if _, err := h.store.UpdateTaskStatus(ctx, thought.SourceTaskID, core.TaskCompleted, persistence.WithOutcome(outcome)); err != nil {
			return fmt.Errorf("complete task %s: %w", thought.SourceTaskID, err)
		}
	}

	removed, err := h.store.DeleteThoughtsByStatus(ctx, thought.SourceTaskID, core.ThoughtPending, core.ThoughtProcessing)
	if err != nil {
		h.logger.Warn("sibling cleanup for task %s: %v", thought.SourceTaskID, err)
	} else if removed > 0 {
		h.logger.Debug("removed %d queued sibling thoughts of task %s", removed, thought.SourceTaskID)
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, params.CompletionReason)
	return nil
}

// requiresSpokenStep reports whether the parent task is a wakeup ritual step.
// The dispatch context flag is authoritative when set; otherwise the task's
// lineage decides.
func (h *TaskCompleteHandler) requiresSpokenStep(ctx context.Context, thought *core.Thought, dispatchCtx core.DispatchContext) bool {
	if dispatchCtx.WakeupStep {
		return true
	}
	task, err := h.store.GetTask(ctx, thought.SourceTaskID)
	if err != nil {
		return false
	}
	return task.ParentTaskID == core.WakeupRootTaskID && task.Context.StepType != ""
}

func (h *TaskCompleteHandler) hasSpoken(ctx context.Context, taskID string) (bool, error) {
	corrs, err := h.store.CorrelationsByTaskAndAction(ctx, taskID, "speak", core.CorrelationCompleted)
	if err != nil {
		return false, fmt.Errorf("check speak correlations for task %s: %w", taskID, err)
	}
	return len(corrs) > 0, nil
}

// rewriteToPonder replaces the silent completion with a ponder round. The
// ponder manager records the rewritten action as the thought's final action
// when it re-queues, so the step task stays active and speaks next round.
func (h *TaskCompleteHandler) rewriteToPonder(ctx context.Context, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	if h.ponderer == nil {
		return fmt.Errorf("task-complete handler has no ponder manager for the wakeup rewrite")
	}
	questions := []string{
		"This wakeup step has not spoken yet. Express the step's affirmation out loud before completing it.",
	}
	rewritten := core.MustActionResult(core.ActionPonder, core.PonderParams{Questions: questions},
		"completing a wakeup step without a delivered message is not allowed")

	requeued, err := h.ponderer.Ponder(ctx, thought, rewritten, questions)
	if err != nil {
		h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, err.Error())
		return fmt.Errorf("rewrite thought %s to ponder: %w", thought.ID, err)
	}
	detail := "rewrote to ponder: wakeup step has no completed speak"
	if !requeued {
		detail = "wakeup step hit the ponder cap while unspoken"
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, detail)
	return nil
}

var _ dispatch.Handler = (*TaskCompleteHandler)(nil)
