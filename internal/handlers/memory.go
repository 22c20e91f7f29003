package handlers

import (
	"context"
	"fmt"
	"strings"

	"ethos/internal/core"
	"ethos/internal/dispatch"
)

// memoryOutcome is the shared translation from a memory provider verdict to
// the thought's terminal state. Deferred operations park the thought without
// a follow-up; everything else reports back into the reasoning loop.
func (b *base) memoryOutcome(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, res core.MemoryOpResult, okContent string) error {
	switch res.Status {
	case core.MemoryOpOK:
		if err := b.finalize(ctx, thought, core.ThoughtCompleted, action); err != nil {
			return err
		}
		b.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, string(res.Status))
		_, err := b.followUp(ctx, thought, core.ThoughtTypeMemory, okContent)
		return err
	case core.MemoryOpDeferred:
		b.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, "deferred: "+res.Reason)
		return b.finalize(ctx, thought, core.ThoughtDeferred, action)
	case core.MemoryOpDenied:
		b.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, "denied: "+res.Reason)
		if err := b.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
			return err
		}
		content := fmt.Sprintf("The %s operation was denied: %s. Respect the policy and choose another way forward.", b.kind, res.Reason)
		_, err := b.followUp(ctx, thought, core.ThoughtTypeMemory, content)
		return err
	default:
		b.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, "error: "+res.Reason)
		if err := b.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
			return err
		}
		content := fmt.Sprintf("The %s operation failed: %s.", b.kind, res.Reason)
		_, err := b.followUp(ctx, thought, core.ThoughtTypeError, content)
		return err
	}
}

// memoryTransportFailure handles bus-level errors, as opposed to policy
// verdicts carried inside a MemoryOpResult.
func (b *base) memoryTransportFailure(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, opErr error) error {
	b.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, opErr.Error())
	if err := b.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
		return err
	}
	content := fmt.Sprintf("The %s operation could not reach the memory service: %v.", b.kind, opErr)
	_, err := b.followUp(ctx, thought, core.ThoughtTypeError, content)
	return err
}

// MemorizeHandler writes one graph node into memory.
type MemorizeHandler struct {
	base
}

// NewMemorizeHandler wires the memorize handler.
func NewMemorizeHandler(deps Deps) *MemorizeHandler {
	return &MemorizeHandler{base: newBase(deps, "memorize_handler", core.ActionMemorize)}
}

func (h *MemorizeHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.MemorizeParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, "node "+params.Node.ID)

	res, err := h.bus.Memorize(ctx, h.name, params.Node)
	if err != nil {
		return h.memoryTransportFailure(ctx, action, thought, dispatchCtx, err)
	}
	okContent := fmt.Sprintf("Memorized node %s (%s, scope %s).", params.Node.ID, params.Node.Type, params.Node.Scope)
	return h.memoryOutcome(ctx, action, thought, dispatchCtx, res, okContent)
}

// RecallHandler queries graph memory and feeds the findings back as a
// follow-up.
type RecallHandler struct {
	base
}

// NewRecallHandler wires the recall handler.
func NewRecallHandler(deps Deps) *RecallHandler {
	return &RecallHandler{base: newBase(deps, "recall_handler", core.ActionRecall)}
}

func (h *RecallHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.RecallParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}
	query := core.RecallQuery{
		NodeID:   params.NodeID,
		NodeType: params.NodeType,
		Scope:    params.Scope,
		Query:    params.Query,
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, recallDetail(query))

	res, err := h.bus.Recall(ctx, h.name, query)
	if err != nil {
		return h.memoryTransportFailure(ctx, action, thought, dispatchCtx, err)
	}
	return h.memoryOutcome(ctx, action, thought, dispatchCtx, res, renderRecall(query, res.Data))
}

func recallDetail(q core.RecallQuery) string {
	if q.NodeID != "" {
		return "node " + q.NodeID
	}
	return "query " + q.Query
}

func renderRecall(q core.RecallQuery, nodes []core.GraphNode) string {
	if len(nodes) == 0 {
		return fmt.Sprintf("Recall for %s found nothing. Proceed without that memory or memorize what is missing.", recallDetail(q))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recalled %d nodes for %s:\n", len(nodes), recallDetail(q))
	for _, node := range nodes {
		fmt.Fprintf(&b, "- %s (%s, scope %s)", node.ID, node.Type, node.Scope)
		if len(node.Attributes) > 0 {
			fmt.Fprintf(&b, ": %s", excerpt(renderAttributes(node.Attributes)))
		}
		b.WriteString("\n")
	}
	b.WriteString("Apply these memories to the task.")
	return b.String()
}

func renderAttributes(attrs map[string]string) string {
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ", ")
}

// ForgetHandler removes a node from memory. Identity and environment scopes
// are write-protected without wise-authority approval, so those requests fail
// before reaching the provider.
type ForgetHandler struct {
	base
}

// NewForgetHandler wires the forget handler.
func NewForgetHandler(deps Deps) *ForgetHandler {
	return &ForgetHandler{base: newBase(deps, "forget_handler", core.ActionForget)}
}

func (h *ForgetHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.ForgetParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, "node "+params.Node.ID)

	if params.Node.Scope.Protected() {
		detail := fmt.Sprintf("scope %s is protected", params.Node.Scope)
		h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, detail)
		if err := h.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
			return err
		}
		content := fmt.Sprintf("Forgetting node %s was blocked: %s. Removing %s-scope memories needs wise-authority approval; defer if it truly must go.",
			params.Node.ID, detail, params.Node.Scope)
		_, err := h.followUp(ctx, thought, core.ThoughtTypeMemory, content)
		return err
	}

	res, err := h.bus.Forget(ctx, h.name, params.Node, params.Reason)
	if err != nil {
		return h.memoryTransportFailure(ctx, action, thought, dispatchCtx, err)
	}
	okContent := fmt.Sprintf("Forgot node %s.", params.Node.ID)
	return h.memoryOutcome(ctx, action, thought, dispatchCtx, res, okContent)
}

var (
	_ dispatch.Handler = (*MemorizeHandler)(nil)
	_ dispatch.Handler = (*RecallHandler)(nil)
	_ dispatch.Handler = (*ForgetHandler)(nil)
)
