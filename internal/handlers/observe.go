package handlers

import (
	"context"
	"fmt"
	"strings"

	"ethos/internal/core"
	"ethos/internal/dispatch"
)

// defaultObserveLimit bounds active fetches when the action did not say how
// many messages it wants.
const defaultObserveLimit = 20

// ObserveHandler surveys a channel. Passive observation only acknowledges the
// environment snapshot already in context; active observation fetches recent
// messages and summarizes them into a follow-up.
type ObserveHandler struct {
	base
}

// NewObserveHandler wires the observe handler.
func NewObserveHandler(deps Deps) *ObserveHandler {
	return &ObserveHandler{base: newBase(deps, "observe_handler", core.ActionObserve)}
}

// Handle runs one observation round.
func (h *ObserveHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.ObserveParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}

	if !params.Active {
		return h.handlePassive(ctx, action, thought, dispatchCtx, params)
	}
	return h.handleActive(ctx, action, thought, dispatchCtx, params)
}

// handlePassive records that the agent looked around without fetching. New
// external messages become tasks through the ingestion path, not here, so a
// passive round completes with no follow-up.
func (h *ObserveHandler) handlePassive(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, params core.ObserveParams) error {
	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, "passive")
	h.logger.Debug("passive observation for thought %s (channel %q)", thought.ID, params.ChannelID)
	if err := h.finalize(ctx, thought, core.ThoughtCompleted, action); err != nil {
		return err
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, "passive")
	return nil
}

func (h *ObserveHandler) handleActive(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, params core.ObserveParams) error {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultObserveLimit
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, fmt.Sprintf("active channel %s limit %d", params.ChannelID, limit))

	messages, err := h.bus.FetchMessages(ctx, h.name, params.ChannelID, limit)
	if err != nil {
		h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, err.Error())
		if ferr := h.finalize(ctx, thought, core.ThoughtFailed, action); ferr != nil {
			return ferr
		}
		content := fmt.Sprintf("Observing channel %s failed: %v. The channel may be unreachable.", params.ChannelID, err)
		_, ferr := h.followUp(ctx, thought, core.ThoughtTypeError, content)
		return ferr
	}

	if err := h.finalize(ctx, thought, core.ThoughtCompleted, action); err != nil {
		return err
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, fmt.Sprintf("fetched %d messages", len(messages)))

	_, err = h.followUp(ctx, thought, core.ThoughtTypeObservation, synthesizeObservation(params.ChannelID, messages))
	return err
}

// synthesizeObservation renders fetched messages into follow-up content the
// next round can reason over.
func synthesizeObservation(channelID string, messages []core.FetchedMessage) string {
	if len(messages) == 0 {
		return fmt.Sprintf("Observed channel %s: no recent messages. Decide whether the task still needs action.", channelID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Observed %d recent messages in channel %s:\n", len(messages), channelID)
	for _, msg := range messages {
		author := msg.AuthorName
		if author == "" {
			author = msg.AuthorID
		}
		fmt.Fprintf(&b, "- %s: %s\n", author, excerpt(msg.Content))
	}
	b.WriteString("Synthesize what this means for the task and choose the next action.")
	return b.String()
}

var _ dispatch.Handler = (*ObserveHandler)(nil)
