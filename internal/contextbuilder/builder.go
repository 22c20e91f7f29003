// Package contextbuilder assembles the evaluation context a thought carries
// into the pipeline: agent identity, a system snapshot, channel resolution
// and the originating task description, all held inside a token budget so
// evaluator prompts stay bounded.
package contextbuilder

import (
	"context"
	"fmt"
	"sync"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/persistence"
)

// Config tunes how contexts are built.
type Config struct {
	AgentName        string
	AgentRole        string
	HomeChannelID    string
	MaxRounds        int
	PermittedActions []core.ActionKind
	// TokenBudget bounds the total size of text fields carried into
	// evaluator prompts. Zero applies DefaultTokenBudget.
	TokenBudget int
	// RecentEventLimit caps the snapshot event window. Zero applies
	// DefaultRecentEventLimit.
	RecentEventLimit int
}

const (
	DefaultTokenBudget      = 2048
	DefaultRecentEventLimit = 16

	// Fractions of the token budget granted to individual fields.
	originMessageShare   = 4 // budget / 4
	taskDescriptionShare = 4
	eventShare           = 32
)

// Builder produces per-thought evaluation contexts. It also keeps a small
// in-memory window of runtime events the processor reports, surfaced to the
// evaluators through the snapshot.
type Builder struct {
	store  persistence.Store
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	events []string
}

// New builds a Builder. The store supplies task lookups and queue-depth
// counts for the snapshot.
func New(store persistence.Store, cfg Config, logger logging.Logger) *Builder {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.RecentEventLimit <= 0 {
		cfg.RecentEventLimit = DefaultRecentEventLimit
	}
	return &Builder{
		store:  store,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
}

// RecordEvent appends a line to the rolling event window.
func (b *Builder) RecordEvent(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, line)
	if excess := len(b.events) - b.cfg.RecentEventLimit; excess > 0 {
		b.events = append([]string(nil), b.events[excess:]...)
	}
}

func (b *Builder) recentEvents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, line := range b.events {
		out[i] = TruncateToTokens(line, b.cfg.TokenBudget/eventShare)
	}
	return out
}

// Build returns an enriched copy of the thought's context: task description
// and channel resolved, snapshot attached, oversized fields truncated to the
// budget. The thought itself is not mutated; the caller decides what to
// persist. Failures to read auxiliary state degrade to a partial snapshot
// rather than failing the pipeline entry.
func (b *Builder) Build(ctx context.Context, thought *core.Thought) (core.ThoughtContext, error) {
	if thought == nil {
		return core.ThoughtContext{}, fmt.Errorf("build context: nil thought")
	}

	enriched := thought.Context

	task, err := b.store.GetTask(ctx, thought.SourceTaskID)
	if err != nil {
		b.logger.Warn("context build: task %s unavailable: %v", thought.SourceTaskID, err)
	} else {
		if enriched.TaskDescription == "" {
			enriched.TaskDescription = task.Description
		}
		if enriched.ChannelID == "" {
			enriched.ChannelID = task.Context.ChannelID
		}
		if enriched.AuthorID == "" {
			enriched.AuthorID = task.Context.AuthorID
		}
		if enriched.AuthorName == "" {
			enriched.AuthorName = task.Context.AuthorName
		}
		if enriched.StepType == "" {
			enriched.StepType = task.Context.StepType
		}
	}
	if enriched.ChannelID == "" {
		enriched.ChannelID = b.cfg.HomeChannelID
	}

	enriched.Snapshot = b.snapshot(ctx, thought)
	enriched.TaskDescription = TruncateToTokens(enriched.TaskDescription, b.cfg.TokenBudget/taskDescriptionShare)
	enriched.OriginMessage = TruncateToTokens(enriched.OriginMessage, b.cfg.TokenBudget/originMessageShare)

	return enriched, nil
}

func (b *Builder) snapshot(ctx context.Context, thought *core.Thought) *core.SystemSnapshot {
	snap := &core.SystemSnapshot{
		AgentName:        b.cfg.AgentName,
		AgentRole:        b.cfg.AgentRole,
		HomeChannelID:    b.cfg.HomeChannelID,
		CurrentRound:     thought.RoundNumber,
		MaxRounds:        b.cfg.MaxRounds,
		PermittedActions: append([]core.ActionKind(nil), b.cfg.PermittedActions...),
		RecentEvents:     b.recentEvents(),
	}

	if active, err := b.store.CountTasks(ctx, core.TaskActive); err == nil {
		snap.ActiveTasks = active
	} else {
		b.logger.Warn("context build: count active tasks: %v", err)
	}
	if pending, err := b.store.CountTasks(ctx, core.TaskPending); err == nil {
		snap.PendingTasks = pending
	} else {
		b.logger.Warn("context build: count pending tasks: %v", err)
	}
	return snap
}
