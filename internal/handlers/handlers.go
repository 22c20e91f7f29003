// Package handlers implements the ten action handlers the dispatcher routes
// to. Every handler follows the same protocol: parse and validate its typed
// parameters, reach external providers only through the bus, write the
// thought's terminal status together with the dispatched action, emit at most
// one follow-up thought, and audit the attempt at start and outcome.
package handlers

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"ethos/internal/core"
	"ethos/internal/dispatch"
	"ethos/internal/logging"
	"ethos/internal/persistence"
	"ethos/internal/shutdown"
)

// followUpExcerptLimit bounds how much payload a follow-up thought quotes.
const followUpExcerptLimit = 200

// Bus is the service surface handlers reach side effects through.
type Bus interface {
	SendMessage(ctx context.Context, caller, channelID, content string) error
	FetchMessages(ctx context.Context, caller, channelID string, limit int) ([]core.FetchedMessage, error)
	Memorize(ctx context.Context, caller string, node core.GraphNode) (core.MemoryOpResult, error)
	Recall(ctx context.Context, caller string, query core.RecallQuery) (core.MemoryOpResult, error)
	Forget(ctx context.Context, caller string, node core.GraphNode, reason string) (core.MemoryOpResult, error)
	ExecuteTool(ctx context.Context, caller, name string, args map[string]any, correlationID string) (*core.ToolResult, error)
	ValidateToolParams(ctx context.Context, caller, name string, args map[string]any) error
	LogAudit(ctx context.Context, caller string, event core.AuditEvent) error
	SendDeferral(ctx context.Context, caller string, pkg core.DeferralPackage) error
}

// Ponderer decides whether a pondering thought re-enters the pipeline or is
// deferred at the round cap. Implemented by the processor's ponder manager.
type Ponderer interface {
	Ponder(ctx context.Context, thought *core.Thought, action *core.ActionSelectionResult, questions []string) (requeued bool, err error)
}

// Deps collects what the handlers share. Shutdown is required by the speak
// handler; Ponderer by the ponder and task-complete handlers.
type Deps struct {
	Store       persistence.Store
	Bus         Bus
	Shutdown    *shutdown.Manager
	Ponderer    Ponderer
	Protected   []string
	ToolTimeout time.Duration
	Logger      logging.Logger
}

// All returns one handler per action kind, ready for dispatcher registration.
func All(deps Deps) []dispatch.Handler {
	return []dispatch.Handler{
		NewObserveHandler(deps),
		NewSpeakHandler(deps),
		NewToolHandler(deps),
		NewPonderHandler(deps),
		NewRejectHandler(deps),
		NewDeferHandler(deps),
		NewMemorizeHandler(deps),
		NewRecallHandler(deps),
		NewForgetHandler(deps),
		NewTaskCompleteHandler(deps),
	}
}

func (d Deps) protectedSet() map[string]struct{} {
	ids := d.Protected
	if len(ids) == 0 {
		ids = core.DefaultProtectedTaskIDs()
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// base carries the shared collaborators and the handler protocol helpers.
type base struct {
	store     persistence.Store
	bus       Bus
	logger    logging.Logger
	protected map[string]struct{}
	name      string
	kind      core.ActionKind
}

func newBase(deps Deps, name string, kind core.ActionKind) base {
	return base{
		store:     deps.Store,
		bus:       deps.Bus,
		logger:    logging.OrNop(deps.Logger),
		protected: deps.protectedSet(),
		name:      name,
		kind:      kind,
	}
}

func (b *base) Name() string          { return b.name }
func (b *base) Kind() core.ActionKind { return b.kind }

func (b *base) isProtected(taskID string) bool {
	_, ok := b.protected[taskID]
	return ok
}

// audit emits one trail event. Audit failures are log-worthy, never
// action-failing.
func (b *base) audit(ctx context.Context, dispatchCtx core.DispatchContext, outcome core.AuditOutcome, detail string) {
	if b.bus == nil {
		return
	}
	event := core.NewAuditEvent(b.kind, b.name, outcome)
	event.TaskID = dispatchCtx.TaskID
	event.ThoughtID = dispatchCtx.ThoughtID
	event.ChannelID = dispatchCtx.ChannelID
	event.Detail = detail
	if err := b.bus.LogAudit(ctx, b.name, event); err != nil {
		b.logger.Debug("audit %s %s: %v", b.name, outcome, err)
	}
}

// finalize writes the thought's terminal status together with the action it
// dispatched. A prior terminal status means another writer won the race; the
// store guard already kept the first outcome, so it is logged and accepted.
func (b *base) finalize(ctx context.Context, thought *core.Thought, status core.ThoughtStatus, action *core.ActionSelectionResult, opts ...persistence.ThoughtUpdateOption) error {
	if action != nil {
		if raw, err := action.Marshal(); err == nil {
			opts = append(opts, persistence.WithFinalAction(raw))
		}
	}
	prior, err := b.store.UpdateThoughtStatus(ctx, thought.ID, status, opts...)
	if err != nil {
		return fmt.Errorf("finalize thought %s as %s: %w", thought.ID, status, err)
	}
	if prior.IsTerminal() {
		b.logger.Warn("thought %s already held terminal status %s before %s wrote %s",
			thought.ID, prior, b.name, status)
	}
	return nil
}

// followUp persists the single child thought a handler may emit. The child
// becomes visible to the scheduler only after the parent's terminal status
// was written, so callers finalize first.
func (b *base) followUp(ctx context.Context, parent *core.Thought, thoughtType core.ThoughtType, content string) (*core.Thought, error) {
	child := core.NewFollowUpThought(parent, thoughtType, parent.RoundNumber+1, content)
	if err := b.store.AddThought(ctx, child); err != nil {
		return nil, fmt.Errorf("persist follow-up for thought %s: %w", parent.ID, err)
	}
	return child, nil
}

// failValidation completes the protocol for unusable parameters: the thought
// fails, and a follow-up describes the problem so the next round can steer
// around it.
func (b *base) failValidation(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext, verr error) error {
	b.audit(ctx, dispatchCtx, core.AuditOutcomeFailed, verr.Error())
	if err := b.finalize(ctx, thought, core.ThoughtFailed, action); err != nil {
		return err
	}
	content := fmt.Sprintf("The %s action could not run: %v. Choose a different approach.", b.kind, verr)
	if _, err := b.followUp(ctx, thought, core.ThoughtTypeError, content); err != nil {
		return err
	}
	return nil
}

// excerpt trims a payload for quoting inside follow-up content.
func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= followUpExcerptLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:followUpExcerptLimit]) + "..."
}
