// Package guardrails vets selected actions before dispatch. Guardrails run
// in priority order; the first one that keeps failing after its retry budget
// overrides the action to PONDER. An override is the only path by which a
// selected action changes before dispatch.
package guardrails

import (
	"context"
	"sort"
	"sync"

	"ethos/internal/core"
)

// Built-in guardrail names, also used as metric labels.
const (
	GuardrailEntropy           = "entropy"
	GuardrailCoherence         = "coherence"
	GuardrailOptimizationVeto  = "optimization_veto"
	GuardrailEpistemicHumility = "epistemic_humility"
)

// LLMCaller is the completion slice of the bus the epistemic checks depend on.
type LLMCaller interface {
	Complete(ctx context.Context, caller string, req core.CompletionRequest) (*core.CompletionResponse, error)
}

// CheckResult is one guardrail's verdict on a proposed action. Epistemic is
// attached when the check measured the action, even on a pass, so the final
// GuardrailResult carries the signals downstream.
type CheckResult struct {
	Passed    bool
	Reason    string
	Epistemic *core.EpistemicData
}

// Guardrail vets one aspect of a selected action. Check errors are retried
// like failed checks; a guardrail that cannot complete does not pass.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, action *core.ActionSelectionResult, dispatchCtx core.DispatchContext) (CheckResult, error)
}

type registration struct {
	priority  int
	seq       int
	guardrail Guardrail
}

// Registry holds guardrails in application order: ascending priority, ties
// broken by registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
	nextSeq int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a guardrail under the given priority. Priority 0 runs first.
func (r *Registry) Register(priority int, g Guardrail) {
	if g == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, registration{priority: priority, seq: r.nextSeq, guardrail: g})
	r.nextSeq++
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].priority != r.entries[j].priority {
			return r.entries[i].priority < r.entries[j].priority
		}
		return r.entries[i].seq < r.entries[j].seq
	})
}

// Ordered returns the guardrails in application order.
func (r *Registry) Ordered() []Guardrail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Guardrail, len(r.entries))
	for i, entry := range r.entries {
		out[i] = entry.guardrail
	}
	return out
}

// Len reports how many guardrails are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
