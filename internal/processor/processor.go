package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ethos/internal/contextbuilder"
	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/observability"
	"ethos/internal/persistence"
	"ethos/internal/shutdown"
)

// State identifies the processor's top-level mode.
type State string

const (
	StateWakeup   State = "wakeup"
	StateWork     State = "work"
	StateDream    State = "dream"
	StateShutdown State = "shutdown"
)

// Defaults for the loop's tunables.
const (
	DefaultMaxInflightThoughts = 4
	DefaultTickInterval        = 250 * time.Millisecond
	DefaultShutdownTimeout     = 10 * time.Second

	// dreamBatchDivisor shrinks the per-tick budget while dreaming.
	dreamBatchDivisor = 4
)

// Config tunes the processor loop.
type Config struct {
	// MaxInflightThoughts is the worker count. Zero applies the default.
	MaxInflightThoughts int
	// BatchSize caps seeds and claims per tick. Zero applies twice the
	// inflight cap.
	BatchSize int
	// TickInterval paces the WORK loop. Zero applies the default.
	TickInterval time.Duration
	// WakeupEnabled runs the identity ritual before WORK.
	WakeupEnabled bool
	// WakeupChannelID is where the ritual speaks. Empty falls back to the
	// task manager's home channel.
	WakeupChannelID string
	// DreamSchedule is a cron expression entering DREAM mode; empty disables.
	DreamSchedule string
	// DreamDuration bounds one dream episode.
	DreamDuration time.Duration
	// MonitorSchedule is a cron expression reseeding the channel monitor;
	// empty disables.
	MonitorSchedule string
	// ShutdownTimeout bounds the shutdown hooks. Zero applies the default.
	ShutdownTimeout time.Duration
}

// Deps wires the processor.
type Deps struct {
	Store    persistence.Store
	Tasks    *TaskManager
	Queue    *ProcessingQueue
	Pipeline Pipeline
	Shutdown *shutdown.Manager
	// Builder receives runtime events for the snapshot window; optional.
	Builder *contextbuilder.Builder
	Metrics *observability.MetricsCollector
	Tracer  *observability.TracerProvider
	Logger  logging.Logger
}

// Processor is the top-level loop: WAKEUP ritual, WORK ticks feeding the
// queue, optional scheduled DREAM episodes, and the SHUTDOWN drain. One
// processor runs per process; Run blocks until shutdown is requested or the
// context dies.
type Processor struct {
	cfg      Config
	store    persistence.Store
	tasks    *TaskManager
	queue    *ProcessingQueue
	pipeline Pipeline
	shutdown *shutdown.Manager
	builder  *contextbuilder.Builder
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger

	state     atomic.Value // State
	round     atomic.Int64
	dreaming  atomic.Bool
	schedules *schedules

	dreamMu   sync.Mutex
	dreamStop chan struct{}
}

// New builds the processor. Store, Tasks, Queue, Pipeline and Shutdown are
// required.
func New(deps Deps, cfg Config) (*Processor, error) {
	if deps.Store == nil || deps.Tasks == nil || deps.Queue == nil || deps.Pipeline == nil || deps.Shutdown == nil {
		return nil, fmt.Errorf("processor: store, tasks, queue, pipeline and shutdown are required")
	}
	if cfg.MaxInflightThoughts <= 0 {
		cfg.MaxInflightThoughts = DefaultMaxInflightThoughts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.MaxInflightThoughts * 2
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	p := &Processor{
		cfg:      cfg,
		store:    deps.Store,
		tasks:    deps.Tasks,
		queue:    deps.Queue,
		pipeline: deps.Pipeline,
		shutdown: deps.Shutdown,
		builder:  deps.Builder,
		metrics:  observability.OrNopMetrics(deps.Metrics),
		tracer:   observability.OrNop(deps.Tracer),
		logger:   logging.OrNop(deps.Logger),
	}
	p.state.Store(StateWakeup)
	return p, nil
}

// State returns the current mode.
func (p *Processor) State() State {
	return p.state.Load().(State)
}

// Round returns the current WORK round number.
func (p *Processor) Round() int {
	return int(p.round.Load())
}

func (p *Processor) setState(next State) {
	prev := p.State()
	if prev == next {
		return
	}
	p.state.Store(next)
	p.logger.Info("processor state %s -> %s", prev, next)
	if p.builder != nil {
		p.builder.RecordEvent("state %s", next)
	}
}

// Run drives the state machine until shutdown. The context is the hard stop:
// cancelling it abandons in-flight work, while a shutdown request lets
// workers finish their current thought before the drain.
func (p *Processor) Run(ctx context.Context) error {
	workers := &errgroup.Group{}
	for i := 0; i < p.cfg.MaxInflightThoughts; i++ {
		workers.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}
	p.startSchedules(ctx)

	if p.cfg.WakeupEnabled {
		if err := p.runWakeup(ctx); err != nil {
			p.logger.Error("wakeup ritual failed: %v", err)
			p.shutdown.RequestShutdown(fmt.Sprintf("wakeup ritual failed: %v", err))
		}
	}
	if !p.shutdown.IsRequested() && ctx.Err() == nil {
		p.runWork(ctx)
	}

	p.setState(StateShutdown)
	p.stopSchedules()
	p.queue.Close()
	_ = workers.Wait()

	// Post-drain cleanup must run even when ctx died; the store writes and
	// hooks get a fresh deadline instead.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ShutdownTimeout)
	defer cancel()
	p.releaseQueued(cleanupCtx)

	reason := p.shutdown.Reason()
	if reason == "" {
		reason = "run context cancelled"
	}
	p.logger.Info("processor stopped: %s", reason)
	p.shutdown.Execute(cleanupCtx, p.cfg.ShutdownTimeout)
	return ctx.Err()
}

// runWork paces the WORK loop: one tick per interval until shutdown.
func (p *Processor) runWork(ctx context.Context) {
	p.setState(StateWork)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown.Done():
			return
		case <-ticker.C:
		}
		round := int(p.round.Add(1))
		if err := p.tick(ctx, round); err != nil {
			p.logger.Error("work round %d: %v", round, err)
		}
	}
}

// tick runs one scheduling pass: activate pending tasks, seed first
// thoughts, then claim and enqueue up to the batch budget. A full queue
// releases the claim and ends the pass; the next tick retries.
func (p *Processor) tick(ctx context.Context, round int) error {
	batch := p.batchSize()

	if _, err := p.tasks.ActivatePendingTasks(ctx); err != nil {
		return err
	}

	needing, err := p.tasks.TasksNeedingSeed(ctx, batch)
	if err != nil {
		return err
	}
	for _, task := range needing {
		if _, err := p.tasks.SeedThought(ctx, task, round); err != nil {
			p.logger.Error("seed task %s: %v", task.ID, err)
		}
	}

	pending, err := p.store.PendingThoughts(ctx, batch)
	if err != nil {
		return err
	}
	for _, thought := range pending {
		claimed, err := p.store.ClaimPendingThought(ctx, thought.ID)
		if err != nil {
			p.logger.Error("claim thought %s: %v", thought.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		item := core.QueueItemFromThought(thought, p.taskPriority(ctx, thought.SourceTaskID))
		if err := p.queue.Enqueue(ctx, item); err != nil {
			p.releaseClaim(ctx, thought.ID)
			p.logger.Debug("round %d: %v, backing off", round, err)
			break
		}
	}
	return nil
}

func (p *Processor) batchSize() int {
	if p.dreaming.Load() {
		if reduced := p.cfg.BatchSize / dreamBatchDivisor; reduced > 0 {
			return reduced
		}
		return 1
	}
	return p.cfg.BatchSize
}

func (p *Processor) taskPriority(ctx context.Context, taskID string) int {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return 0
	}
	return task.Priority
}

// worker pulls handles until the queue closes or ctx dies, refetching the
// thought so the pipeline always sees the claimed state.
func (p *Processor) worker(ctx context.Context) {
	for {
		item, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.processItem(ctx, item)
	}
}

func (p *Processor) processItem(ctx context.Context, item core.QueueItem) {
	p.metrics.AddInflight(ctx, 1)
	defer p.metrics.AddInflight(ctx, -1)

	thought, err := p.store.GetThought(ctx, item.ThoughtID)
	if err != nil {
		p.logger.Error("worker: fetch thought %s: %v", item.ThoughtID, err)
		return
	}
	if thought.Status != core.ThoughtProcessing {
		p.logger.Warn("worker: thought %s is %s, not processing it", thought.ID, thought.Status)
		return
	}
	if err := p.pipeline.Run(ctx, thought); err != nil {
		p.logger.Error("worker: thought %s: %v", thought.ID, err)
	}
}

// releaseQueued puts claimed-but-unstarted thoughts back to PENDING so a
// later run picks them up.
func (p *Processor) releaseQueued(ctx context.Context) {
	items := p.queue.Drain(ctx)
	for _, item := range items {
		p.releaseClaim(ctx, item.ThoughtID)
	}
	if len(items) > 0 {
		p.logger.Info("released %d queued thought(s) for the next run", len(items))
	}
}

func (p *Processor) releaseClaim(ctx context.Context, thoughtID string) {
	if _, err := p.store.UpdateThoughtStatus(ctx, thoughtID, core.ThoughtPending); err != nil {
		p.logger.Error("release claim on thought %s: %v", thoughtID, err)
	}
}
