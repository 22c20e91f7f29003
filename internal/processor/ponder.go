package processor

import (
	"context"
	"fmt"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/observability"
	"ethos/internal/persistence"
)

// DefaultMaxPonderRounds bounds deliberation when no cap is configured.
const DefaultMaxPonderRounds = 5

// PonderConfig tunes the ponder bounds.
type PonderConfig struct {
	// MaxRounds is the deliberation cap. A thought whose ponder count would
	// reach it is deferred instead of re-queued. Zero applies
	// DefaultMaxPonderRounds.
	MaxRounds int
	// Protected lists task ids whose status must survive a ponder-cap
	// deferral. Empty applies core.DefaultProtectedTaskIDs.
	Protected []string
}

// PonderManager owns the ponder loop's bookkeeping: it re-queues a thought
// with its accumulated questions, and once the round cap is reached it
// escalates the thought to DEFERRED so a human sees the stall instead of the
// agent spinning forever.
type PonderManager struct {
	store     persistence.Store
	maxRounds int
	protected map[string]struct{}
	metrics   *observability.MetricsCollector
	logger    logging.Logger
}

// NewPonderManager builds the manager over the store.
func NewPonderManager(store persistence.Store, cfg PonderConfig, metrics *observability.MetricsCollector, logger logging.Logger) *PonderManager {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxPonderRounds
	}
	ids := cfg.Protected
	if len(ids) == 0 {
		ids = core.DefaultProtectedTaskIDs()
	}
	protected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		protected[id] = struct{}{}
	}
	return &PonderManager{
		store:     store,
		maxRounds: cfg.MaxRounds,
		protected: protected,
		metrics:   observability.OrNopMetrics(metrics),
		logger:    logging.OrNop(logger),
	}
}

// MaxRounds returns the configured deliberation cap.
func (m *PonderManager) MaxRounds() int { return m.maxRounds }

// Ponder records one deliberation round for the thought. Below the cap the
// thought goes back to PENDING with the new questions appended to its notes
// and requeued is true. At the cap the thought is DEFERRED with everything it
// accumulated, the owning task is deferred too unless protected, and requeued
// is false. Either way the ponder action lands in final_action so the record
// shows what the round decided.
func (m *PonderManager) Ponder(ctx context.Context, thought *core.Thought, action *core.ActionSelectionResult, questions []string) (bool, error) {
	if thought == nil || action == nil {
		return false, fmt.Errorf("ponder: thought and action are required")
	}

	notes := append(append([]string(nil), thought.PonderNotes...), questions...)
	nextCount := thought.PonderCount + 1

	opts := []persistence.ThoughtUpdateOption{persistence.WithPonderState(nextCount, notes)}
	if raw, err := action.Marshal(); err == nil {
		opts = append(opts, persistence.WithFinalAction(raw))
	} else {
		m.logger.Warn("ponder: marshal final action for thought %s: %v", thought.ID, err)
	}

	if nextCount >= m.maxRounds {
		return false, m.deferAtCap(ctx, thought, nextCount, opts)
	}

	prior, err := m.store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtPending, opts...)
	if err != nil {
		return false, fmt.Errorf("ponder: re-queue thought %s: %w", thought.ID, err)
	}
	if prior.IsTerminal() {
		m.logger.Warn("ponder: thought %s already terminal (%s), not re-queued", thought.ID, prior)
		return false, nil
	}
	m.metrics.RecordThoughtProcessed(ctx, string(core.ThoughtPending), nextCount)
	m.logger.Info("thought %s re-queued for ponder round %d of %d", thought.ID, nextCount, m.maxRounds)
	return true, nil
}

// deferAtCap writes the terminal DEFERRED status and pulls the owning task
// down with it unless the task is a protected root.
func (m *PonderManager) deferAtCap(ctx context.Context, thought *core.Thought, count int, opts []persistence.ThoughtUpdateOption) error {
	prior, err := m.store.UpdateThoughtStatus(ctx, thought.ID, core.ThoughtDeferred, opts...)
	if err != nil {
		return fmt.Errorf("ponder: defer thought %s at cap: %w", thought.ID, err)
	}
	if prior.IsTerminal() {
		m.logger.Warn("ponder: thought %s already terminal (%s) at the cap", thought.ID, prior)
		return nil
	}
	m.metrics.RecordThoughtProcessed(ctx, string(core.ThoughtDeferred), count)
	m.logger.Warn("thought %s hit the ponder cap after %d rounds, deferring", thought.ID, count)

	if _, ok := m.protected[thought.SourceTaskID]; ok {
		m.logger.Info("task %s is protected, leaving it active after the ponder cap", thought.SourceTaskID)
		return nil
	}
	outcome := fmt.Sprintf("deferred after %d ponder rounds without a decision", count)
	if _, err := m.store.UpdateTaskStatus(ctx, thought.SourceTaskID, core.TaskDeferred, persistence.WithOutcome(outcome)); err != nil {
		m.logger.Error("ponder: defer task %s: %v", thought.SourceTaskID, err)
	}
	return nil
}
