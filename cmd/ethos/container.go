package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"ethos/internal/bus"
	"ethos/internal/config"
	"ethos/internal/contextbuilder"
	"ethos/internal/dispatch"
	"ethos/internal/dma"
	"ethos/internal/errors"
	"ethos/internal/guardrails"
	"ethos/internal/handlers"
	"ethos/internal/logging"
	"ethos/internal/observability"
	"ethos/internal/persistence"
	"ethos/internal/processor"
	"ethos/internal/providers/local"
	"ethos/internal/registry"
	"ethos/internal/shutdown"
)

// closeTimeout bounds container teardown after the run loop returns.
const closeTimeout = 5 * time.Second

// container holds the collaborators the run command needs after wiring:
// the registry gate, the provider set, the task manager for message
// ingestion, the processor loop and the resources Close releases.
type container struct {
	registry  *registry.ServiceRegistry
	providers *local.Set
	tasks     *processor.TaskManager
	processor *processor.Processor

	store   *persistence.SQLiteStore
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

// buildContainer assembles the full runtime: observability, store, registry
// with the local providers, bus, deliberation pipeline and processor, in
// dependency order. Everything is wired from configuration; no network
// credentials are read.
func buildContainer(cfg config.Config, profile config.Profile, opts runOptions) (*container, error) {
	structured := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        cfg.Metrics.Enabled,
		PrometheusPort: cfg.Metrics.PrometheusPort,
	})
	if err != nil {
		return nil, fmt.Errorf("build metrics: %w", err)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.PrometheusPort > 0 {
		if err := metrics.StartPrometheusServer(cfg.Metrics.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start metrics endpoint: %w", err)
		}
	}

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceName:    "ethos",
		ServiceVersion: appVersion(),
	})
	if err != nil {
		return nil, fmt.Errorf("build tracer: %w", err)
	}

	store, err := persistence.NewSQLiteStore(cfg.Store.Path, logging.FromStructured(structured, "store"))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	// Later failures must not leak the store handle.
	fail := func(err error) (*container, error) {
		_ = store.Close()
		return nil, err
	}

	breakers := errors.NewCircuitBreakerManager(errors.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Std(),
		OnStateChange: func(from, to errors.CircuitState, name string) {
			metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
	}, logging.FromStructured(structured, "breaker"))

	reg := registry.New(breakers, logging.FromStructured(structured, "registry"))

	providers, err := local.NewSet(local.SetConfig{
		AgentName: profile.Name,
		Audit: local.AuditTrailConfig{
			Path:       cfg.Audit.Path,
			BufferSize: cfg.Audit.Buffer,
		},
	}, logging.FromStructured(structured, "providers"))
	if err != nil {
		return fail(fmt.Errorf("build local providers: %w", err))
	}
	if err := providers.Register(reg); err != nil {
		_ = providers.Close()
		return fail(fmt.Errorf("register providers: %w", err))
	}

	serviceBus := bus.New(reg, bus.Config{
		ToolResultTimeout: cfg.Tools.ResultTimeout.Std(),
		GuidanceTimeout:   cfg.WiseAuthority.GuidanceTimeout.Std(),
		DeferralTimeout:   cfg.WiseAuthority.DeferralTimeout.Std(),
	}, metrics, tracer, logging.FromStructured(structured, "bus"))

	builder := contextbuilder.New(store, contextbuilder.Config{
		AgentName:        profile.Name,
		AgentRole:        profile.Role,
		HomeChannelID:    cfg.Tasks.HomeChannel,
		MaxRounds:        cfg.Runtime.MaxRounds,
		PermittedActions: profile.PermittedActions,
	}, logging.FromStructured(structured, "contextbuilder"))

	dmaLogger := logging.FromStructured(structured, "dma")
	var domain dma.DomainEvaluator
	if profile.Domain.Enabled {
		domain = dma.NewLLMDomainEvaluator(serviceBus, profile.Domain.Name, profile.Domain.Guidance, profile.Prompts.Domain, dmaLogger)
	}
	deliberation := dma.NewOrchestrator(dma.Deps{
		Ethical:     dma.NewLLMEthicalEvaluator(serviceBus, profile.Prompts.Ethical, dmaLogger),
		CommonSense: dma.NewLLMCommonSenseEvaluator(serviceBus, profile.Prompts.CommonSense, dmaLogger),
		Domain:      domain,
		Selector:    dma.NewLLMActionSelector(serviceBus, profile.Prompts.ActionSelection, dmaLogger),
		Tools:       serviceBus,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      dmaLogger,
	}, dma.Config{
		RetryLimit: cfg.DMA.RetryLimit,
		Timeout:    cfg.DMA.Timeout.Std(),
	})

	guardLogger := logging.FromStructured(structured, "guardrails")
	guards := guardrails.NewOrchestrator(guardrails.Deps{
		Registry: guardrails.DefaultRegistry(serviceBus, cfg.Guardrails.EntropyThreshold, cfg.Guardrails.CoherenceThreshold, guardLogger),
		Store:    store,
		Audit:    serviceBus,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   guardLogger,
	}, guardrails.Config{RetryLimit: cfg.Guardrails.RetryLimit})

	stop := shutdown.NewManager(logging.FromStructured(structured, "shutdown"))
	stop.RegisterSyncHook("audit-flush", func(ctx context.Context) error {
		return providers.Audit.Flush()
	})

	ponderer := processor.NewPonderManager(store, processor.PonderConfig{
		MaxRounds: cfg.Runtime.MaxPonderRounds,
		Protected: cfg.Tasks.ProtectedIDs,
	}, metrics, logging.FromStructured(structured, "ponder"))

	dispatcher := dispatch.New(dispatch.Deps{
		Store:   store,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logging.FromStructured(structured, "dispatch"),
	})
	for _, h := range handlers.All(handlers.Deps{
		Store:       store,
		Bus:         serviceBus,
		Shutdown:    stop,
		Ponderer:    ponderer,
		Protected:   cfg.Tasks.ProtectedIDs,
		ToolTimeout: cfg.Tools.ResultTimeout.Std(),
		Logger:      logging.FromStructured(structured, "handlers"),
	}) {
		if err := dispatcher.Register(h); err != nil {
			_ = providers.Close()
			return fail(fmt.Errorf("register handler: %w", err))
		}
	}

	tasks, err := processor.NewTaskManager(store, processor.TaskManagerConfig{
		MaxActiveTasks: cfg.Runtime.MaxActiveTasks,
		Protected:      cfg.Tasks.ProtectedIDs,
		HomeChannelID:  cfg.Tasks.HomeChannel,
	}, logging.FromStructured(structured, "tasks"))
	if err != nil {
		_ = providers.Close()
		return fail(fmt.Errorf("build task manager: %w", err))
	}

	proc, err := processor.New(processor.Deps{
		Store: store,
		Tasks: tasks,
		Queue: processor.NewProcessingQueue(cfg.Runtime.QueueCapacity, metrics),
		Pipeline: processor.NewPipeline(processor.PipelineDeps{
			Store:      store,
			Builder:    builder,
			DMA:        deliberation,
			Guardrails: guards,
			Dispatcher: dispatcher,
			Permitted:  profile.PermittedActions,
			Metrics:    metrics,
			Tracer:     tracer,
			Logger:     logging.FromStructured(structured, "pipeline"),
		}),
		Shutdown: stop,
		Builder:  builder,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logging.FromStructured(structured, "processor"),
	}, processor.Config{
		MaxInflightThoughts: cfg.Runtime.MaxInflightThoughts,
		WakeupEnabled:       opts.wakeup,
		WakeupChannelID:     profile.Wakeup.Channel,
		DreamSchedule:       cfg.Schedules.Dream,
		DreamDuration:       cfg.Schedules.DreamDuration.Std(),
		MonitorSchedule:     cfg.Schedules.Monitor,
	})
	if err != nil {
		_ = providers.Close()
		return fail(fmt.Errorf("build processor: %w", err))
	}

	return &container{
		registry:  reg,
		providers: providers,
		tasks:     tasks,
		processor: proc,
		store:     store,
		metrics:   metrics,
		tracer:    tracer,
	}, nil
}

// Close releases container resources in reverse build order. The processor
// has already drained by the time this runs, so only flushes and file
// handles remain.
func (c *container) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := c.providers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close providers: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := c.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop tracer: %w", err))
	}
	if err := c.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop metrics: %w", err))
	}
	return stderrors.Join(errs...)
}
