package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/errors"
	"ethos/internal/registry"
	"ethos/internal/services"
	"ethos/internal/shutdown"
)

// SpeakHandler delivers content to a communication channel. Losing every
// communication provider means the agent can no longer reach anyone, so that
// specific failure escalates to a global shutdown request.
type SpeakHandler struct {
	base
	shutdown *shutdown.Manager
}

// NewSpeakHandler wires the speak handler.
func NewSpeakHandler(deps Deps) *SpeakHandler {
	return &SpeakHandler{
		base:     newBase(deps, "speak_handler", core.ActionSpeak),
		shutdown: deps.Shutdown,
	}
}

// Handle sends params.Content to the resolved channel, records the send as a
// correlation, and suggests task_complete in the follow-up.
func (h *SpeakHandler) Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	params, err := core.DecodeParams[core.SpeakParams](action.ActionParameters)
	if err != nil {
		return h.failValidation(ctx, action, thought, dispatchCtx, err)
	}
	channelID := h.resolveChannel(params, thought, dispatchCtx)
	if channelID == "" {
		verr := errors.NewValidationError("channel_id", "no channel could be resolved for speak")
		return h.failValidation(ctx, action, thought, dispatchCtx, verr)
	}

	h.audit(ctx, dispatchCtx, core.AuditOutcomeStart, "channel "+channelID)

	corr := core.NewCorrelation(thought.SourceTaskID, thought.ID, string(services.TypeCommunication), h.name, "speak", params)
	if err := h.store.AddCorrelation(ctx, corr); err != nil {
		return fmt.Errorf("record speak correlation: %w", err)
	}

	if err := h.bus.SendMessage(ctx, h.name, channelID, params.Content); err != nil {
		return h.handleSendFailure(ctx, action, thought, dispatchCtx, corr.ID, channelID, err)
	}

	response, _ := json.Marshal(map[string]any{"channel_id": channelID, "content": params.Content})
	if err := h.store.UpdateCorrelationStatus(ctx, corr.ID, core.CorrelationCompleted, response); err != nil {
		h.logger.Warn("speak correlation %s not marked completed: %v", corr.ID, err)
	}
	if err := h.finalize(ctx, thought, core.ThoughtCompleted, action); err != nil {
		return err
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeSuccess, "channel "+channelID)

	content := fmt.Sprintf("The message %q was delivered to channel %s. If this fulfilled the task, select task_complete; otherwise continue.",
		excerpt(params.Content), channelID)
	if _, err := h.followUp(ctx, thought, core.ThoughtTypeFollowUp, content); err != nil {
		return err
	}
	return nil
}

// resolveChannel prefers the vetted parameters, which the guardrail pass
// normally fills, then falls back through the dispatch and thought contexts.
func (h *SpeakHandler) resolveChannel(params core.SpeakParams, thought *core.Thought, dispatchCtx core.DispatchContext) string {
	if params.ChannelID != "" {
		return params.ChannelID
	}
	if dispatchCtx.ChannelID != "" {
		return dispatchCtx.ChannelID
	}
	if thought.Context.ChannelID != "" {
		return thought.Context.ChannelID
	}
	if thought.Context.Snapshot != nil {
		return thought.Context.Snapshot.HomeChannelID
	}
	return ""
}

func (h *SpeakHandler) handleSendFailure(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, corrID, channelID string, sendErr error) error {
	if err := h.store.UpdateCorrelationStatus(ctx, corrID, core.CorrelationFailed, nil); err != nil {
		h.logger.Warn("speak correlation %s not marked failed: %v", corrID, err)
	}
	h.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, sendErr.Error())
	if err := h.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
		return err
	}

	if stderrors.Is(sendErr, registry.ErrNoProvider) {
		// Without a communication provider the agent is mute. Keep the
		// process from spinning on undeliverable speech.
		h.logger.Error("no communication provider available, requesting shutdown")
		if h.shutdown != nil {
			h.shutdown.RequestShutdown("no communication provider available")
		}
		content := fmt.Sprintf("Speaking to channel %s is impossible: no communication provider is registered. The runtime is shutting down.", channelID)
		_, ferr := h.followUp(ctx, thought, core.ThoughtTypeError, content)
		return ferr
	}

	content := fmt.Sprintf("Speaking to channel %s failed: %v. Consider retrying with different content or deferring.", channelID, sendErr)
	if _, err := h.followUp(ctx, thought, core.ThoughtTypeError, content); err != nil {
		return err
	}
	return nil
}

var _ dispatch.Handler = (*SpeakHandler)(nil)
