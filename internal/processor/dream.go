package processor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDreamDuration bounds a dream episode when none is configured.
const DefaultDreamDuration = 5 * time.Minute

// cronParser is the standard 5-field parser for the dream and monitor
// schedules.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// schedules owns the cron runner behind the dream and monitor jobs.
type schedules struct {
	cron *cron.Cron
}

// startSchedules wires the configured cron jobs. A bad expression loses that
// job, never the processor.
func (p *Processor) startSchedules(ctx context.Context) {
	if p.cfg.DreamSchedule == "" && p.cfg.MonitorSchedule == "" {
		return
	}
	runner := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if p.cfg.DreamSchedule != "" {
		if _, err := runner.AddFunc(p.cfg.DreamSchedule, func() { p.enterDream(ctx) }); err != nil {
			p.logger.Error("dream schedule %q: %v", p.cfg.DreamSchedule, err)
		} else {
			p.logger.Info("dream scheduled at %q for %s", p.cfg.DreamSchedule, p.dreamDuration())
		}
	}
	if p.cfg.MonitorSchedule != "" {
		if _, err := runner.AddFunc(p.cfg.MonitorSchedule, func() { p.runMonitorJob(ctx) }); err != nil {
			p.logger.Error("monitor schedule %q: %v", p.cfg.MonitorSchedule, err)
		} else {
			p.logger.Info("channel monitor scheduled at %q", p.cfg.MonitorSchedule)
		}
	}
	runner.Start()
	p.schedules = &schedules{cron: runner}
}

// stopSchedules halts the runner and waits for in-flight jobs.
func (p *Processor) stopSchedules() {
	if p.schedules == nil {
		return
	}
	<-p.schedules.cron.Stop().Done()
	p.schedules = nil
}

func (p *Processor) dreamDuration() time.Duration {
	if p.cfg.DreamDuration > 0 {
		return p.cfg.DreamDuration
	}
	return DefaultDreamDuration
}

// enterDream switches WORK into the low-intensity dream mode: the tick
// budget shrinks and one reflection thought lands on the dream root. The
// episode ends after the configured duration or at shutdown, whichever comes
// first.
func (p *Processor) enterDream(ctx context.Context) {
	if p.State() != StateWork {
		p.logger.Debug("dream skipped in state %s", p.State())
		return
	}
	if !p.dreaming.CompareAndSwap(false, true) {
		return
	}
	p.setState(StateDream)

	if _, err := p.tasks.SeedDreamReflection(ctx, int(p.round.Add(1))); err != nil {
		p.logger.Error("dream: seed reflection: %v", err)
	}

	p.dreamMu.Lock()
	p.dreamStop = make(chan struct{})
	stop := p.dreamStop
	p.dreamMu.Unlock()

	go func() {
		timer := time.NewTimer(p.dreamDuration())
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-stop:
		case <-ctx.Done():
		case <-p.shutdown.Done():
		}
		p.exitDream()
	}()
}

// exitDream restores WORK unless shutdown took over in the meantime.
func (p *Processor) exitDream() {
	if !p.dreaming.CompareAndSwap(true, false) {
		return
	}
	p.dreamMu.Lock()
	if p.dreamStop != nil {
		close(p.dreamStop)
		p.dreamStop = nil
	}
	p.dreamMu.Unlock()
	if p.state.CompareAndSwap(StateDream, StateWork) {
		p.logger.Info("processor state %s -> %s", StateDream, StateWork)
		if p.builder != nil {
			p.builder.RecordEvent("state %s", StateWork)
		}
	}
}

// runMonitorJob reseeds the standing channel-monitor task so the agent keeps
// observing its home channel between external messages.
func (p *Processor) runMonitorJob(ctx context.Context) {
	if p.shutdown.IsRequested() || ctx.Err() != nil {
		return
	}
	thought, err := p.tasks.ReseedChannelMonitor(ctx, p.cfg.WakeupChannelID, int(p.round.Load()))
	if err != nil {
		p.logger.Error("monitor job: %v", err)
		return
	}
	if thought == nil {
		p.logger.Debug("monitor job: open thought still pending, skipped")
	}
}
