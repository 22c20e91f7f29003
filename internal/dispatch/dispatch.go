// Package dispatch routes a vetted action to the handler registered for its
// kind. The dispatcher enforces two invariants at the boundary: the handler
// is chosen by the final action, never the original one a guardrail may have
// replaced, and a missing guardrail result is legal only for terminal
// actions.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/observability"
	"ethos/internal/persistence"
)

// Handler executes one action kind. Handlers own the thought's terminal
// status write; a returned error signals the dispatcher that the protocol
// may not have completed.
type Handler interface {
	Name() string
	Kind() core.ActionKind
	Handle(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error
}

// StatusWriter is the store slice the dispatcher uses to fail thoughts no
// handler finalized. The store's terminal guard makes the write a no-op when
// the handler already finished.
type StatusWriter interface {
	UpdateThoughtStatus(ctx context.Context, thoughtID string, status core.ThoughtStatus, opts ...persistence.ThoughtUpdateOption) (core.ThoughtStatus, error)
}

// Deps collects the dispatcher's collaborators.
type Deps struct {
	Store   StatusWriter
	Metrics *observability.MetricsCollector
	Tracer  *observability.TracerProvider
	Logger  logging.Logger
}

// Dispatcher holds the handler table.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[core.ActionKind]Handler

	store   StatusWriter
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
	logger  logging.Logger
}

// New builds an empty dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[core.ActionKind]Handler),
		store:    deps.Store,
		metrics:  observability.OrNopMetrics(deps.Metrics),
		tracer:   observability.OrNop(deps.Tracer),
		logger:   logging.OrNop(deps.Logger),
	}
}

// Register binds a handler to its kind. Registering a second handler for the
// same kind is a wiring error.
func (d *Dispatcher) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler")
	}
	kind := h.Kind()
	if !kind.Valid() {
		return fmt.Errorf("dispatch: handler %s has unknown kind %q", h.Name(), kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.handlers[kind]; ok {
		return fmt.Errorf("dispatch: kind %s already handled by %s", kind, existing.Name())
	}
	d.handlers[kind] = h
	return nil
}

// MustRegister is Register for wiring code where a duplicate is a programming
// error.
func (d *Dispatcher) MustRegister(h Handler) {
	if err := d.Register(h); err != nil {
		panic(err)
	}
}

// Registered returns the kinds that currently have a handler.
func (d *Dispatcher) Registered() []core.ActionKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]core.ActionKind, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (d *Dispatcher) lookup(kind core.ActionKind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Dispatch routes the action to its handler. When dispatchCtx carries a
// guardrail result, the final action wins regardless of what the caller
// passed. Unroutable actions fail the thought so it never sticks in
// processing.
func (d *Dispatcher) Dispatch(ctx context.Context, action *core.ActionSelectionResult, thought *core.Thought, dispatchCtx core.DispatchContext) error {
	if action == nil || thought == nil {
		return fmt.Errorf("dispatch: action and thought are required")
	}
	if dispatchCtx.GuardrailResult != nil && dispatchCtx.GuardrailResult.FinalAction != nil {
		action = dispatchCtx.GuardrailResult.FinalAction
	}
	kind := action.SelectedAction

	ctx, span := d.tracer.StartSpan(ctx, observability.SpanDispatch,
		observability.ActionAttrs(string(kind), "")...)
	defer span.End()

	if dispatchCtx.GuardrailResult == nil && !kind.Terminal() {
		err := fmt.Errorf("dispatch: %s reached dispatch without a guardrail result", kind)
		d.failThought(ctx, thought, action, err.Error())
		d.metrics.RecordActionDispatched(ctx, string(kind), "rejected")
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return err
	}

	handler, ok := d.lookup(kind)
	if !ok {
		err := fmt.Errorf("dispatch: no handler registered for %s", kind)
		d.logger.Error("thought %s selected %s but no handler is registered", thought.ID, kind)
		d.failThought(ctx, thought, action, err.Error())
		d.metrics.RecordActionDispatched(ctx, string(kind), "unhandled")
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return err
	}

	dispatchCtx.HandlerName = handler.Name()
	dispatchCtx.ActionKind = kind
	span.SetAttributes(observability.ActionAttrs(string(kind), handler.Name())...)

	err := handler.Handle(ctx, action, thought, dispatchCtx)
	status := "ok"
	if err != nil {
		status = "error"
		span.SetAttributes(observability.ErrorAttrs(err)...)
		// The terminal guard makes this a no-op when the handler already
		// finalized the thought before returning the error.
		d.failThought(ctx, thought, action, err.Error())
	}
	d.metrics.RecordActionDispatched(ctx, string(kind), status)
	return err
}

func (d *Dispatcher) failThought(ctx context.Context, thought *core.Thought, action *core.ActionSelectionResult, reason string) {
	if d.store == nil {
		return
	}
	opts := []persistence.ThoughtUpdateOption{}
	if action != nil {
		if raw, err := action.Marshal(); err == nil {
			opts = append(opts, persistence.WithFinalAction(raw))
		}
	}
	if _, err := d.store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtFailed, opts...); err != nil {
		d.logger.Error("failed to mark thought %s failed (%s): %v", thought.ID, reason, err)
	}
}
