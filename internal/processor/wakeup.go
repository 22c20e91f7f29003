package processor

import (
	"context"
	"fmt"

	"ethos/internal/core"
	"ethos/internal/observability"
	"ethos/internal/persistence"
)

// wakeupStepBudget bounds pipeline entries per ritual step. A healthy step
// settles in a handful of rounds; the budget only trips when the selector
// keeps emitting follow-ups without ever completing the task.
const wakeupStepBudget = 64

// runWakeup performs the identity ritual: create the ordered step tasks,
// then drive each one inline until its task completes. The queue is idle
// during the ritual, so the steps are strictly sequential. Any step that
// defers, fails or is rejected aborts the ritual; the caller turns that into
// a shutdown request.
func (p *Processor) runWakeup(ctx context.Context) error {
	p.setState(StateWakeup)
	steps, err := p.tasks.CreateWakeupSequenceTasks(ctx, p.cfg.WakeupChannelID)
	if err != nil {
		return err
	}
	for i, step := range steps {
		if err := p.runWakeupStep(ctx, step, i+1, len(steps)); err != nil {
			return fmt.Errorf("step %d/%d (%s): %w", i+1, len(steps), step.Context.StepType, err)
		}
	}
	if _, err := p.store.UpdateTaskStatus(ctx, core.WakeupRootTaskID, core.TaskCompleted,
		persistence.WithOutcome("wakeup ritual complete")); err != nil {
		p.logger.Warn("complete wakeup root: %v", err)
	}
	p.logger.Info("wakeup ritual complete, %d steps affirmed", len(steps))
	if p.builder != nil {
		p.builder.RecordEvent("wakeup ritual complete")
	}
	return nil
}

// runWakeupStep seeds the step's thought and loops the pipeline until the
// step task reaches a terminal status. Ponder re-queues and handler
// follow-ups keep the loop going; only COMPLETED advances the ritual.
func (p *Processor) runWakeupStep(ctx context.Context, task *core.Task, index, total int) error {
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanWakeupStep)
	defer span.End()
	p.logger.Info("wakeup step %d/%d: %s", index, total, task.Context.StepType)

	if _, err := p.tasks.SeedThought(ctx, task, int(p.round.Add(1))); err != nil {
		return err
	}

	for entries := 0; entries < wakeupStepBudget; {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.shutdown.IsRequested() {
			return fmt.Errorf("shutdown requested: %s", p.shutdown.Reason())
		}

		processed, err := p.runStepThoughts(ctx, task.ID)
		if err != nil {
			return err
		}
		entries += processed

		current, err := p.store.GetTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("refetch step task: %w", err)
		}
		switch current.Status {
		case core.TaskCompleted:
			if p.builder != nil {
				p.builder.RecordEvent("wakeup step %s affirmed", task.Context.StepType)
			}
			return nil
		case core.TaskDeferred, core.TaskFailed, core.TaskRejected:
			return fmt.Errorf("step task ended %s: %s", current.Status, current.Outcome)
		}
		if processed == 0 {
			// Every thought settled without closing the task. Press the
			// step again with a fresh seed; the budget bounds the retries.
			if _, err := p.tasks.SeedThought(ctx, task, int(p.round.Add(1))); err != nil {
				return err
			}
			entries++
		}
	}
	return fmt.Errorf("step task did not settle within %d pipeline entries", wakeupStepBudget)
}

// runStepThoughts claims and runs every pending thought of the step task,
// returning how many went through the pipeline.
func (p *Processor) runStepThoughts(ctx context.Context, taskID string) (int, error) {
	thoughts, err := p.store.ThoughtsByTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list step thoughts: %w", err)
	}
	processed := 0
	for _, thought := range thoughts {
		if thought.Status != core.ThoughtPending {
			continue
		}
		claimed, err := p.store.ClaimPendingThought(ctx, thought.ID)
		if err != nil {
			return processed, fmt.Errorf("claim step thought %s: %w", thought.ID, err)
		}
		if !claimed {
			continue
		}
		fresh, err := p.store.GetThought(ctx, thought.ID)
		if err != nil {
			return processed, fmt.Errorf("fetch step thought %s: %w", thought.ID, err)
		}
		if err := p.pipeline.Run(ctx, fresh); err != nil {
			p.logger.Error("wakeup thought %s: %v", thought.ID, err)
		}
		processed++
	}
	return processed, nil
}
