package local

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/services"
)

const defaultGuidance = "Proceed carefully: prefer the smallest honest step, and defer again if new information does not arrive."

// LoggingWiseAuthority is the stand-in escalation channel. Deferrals are
// logged and retained for inspection; guidance answers come from a
// topic-keyed table with a cautious default.
type LoggingWiseAuthority struct {
	logger  logging.Logger
	healthy atomic.Bool

	mu        sync.Mutex
	deferrals []core.DeferralPackage
	guidance  map[string]string
}

// NewLoggingWiseAuthority builds the provider.
func NewLoggingWiseAuthority(logger logging.Logger) *LoggingWiseAuthority {
	w := &LoggingWiseAuthority{
		logger:   logging.OrNop(logger),
		guidance: make(map[string]string),
	}
	w.healthy.Store(true)
	return w
}

func (w *LoggingWiseAuthority) Name() string { return "logging-wise-authority" }

func (w *LoggingWiseAuthority) IsHealthy(ctx context.Context) bool {
	return w.healthy.Load() && ctx.Err() == nil
}

func (w *LoggingWiseAuthority) Capabilities() []string {
	return []string{services.CapSendDeferral, services.CapFetchGuidance}
}

// SetHealthy flips the health probe, for failover tests.
func (w *LoggingWiseAuthority) SetHealthy(healthy bool) {
	w.healthy.Store(healthy)
}

// SendDeferral records the escalation. Nothing answers here; a human reads
// the log.
func (w *LoggingWiseAuthority) SendDeferral(ctx context.Context, pkg core.DeferralPackage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now().UTC()
	}
	w.mu.Lock()
	w.deferrals = append(w.deferrals, pkg)
	w.mu.Unlock()

	w.logger.Warn("deferral for task %s (thought %s): %s", pkg.TaskID, pkg.ThoughtID, pkg.Reason)
	if len(pkg.PonderNotes) > 0 {
		w.logger.Warn("deferral notes: %s", strings.Join(pkg.PonderNotes, " | "))
	}
	return nil
}

// FetchGuidance answers from the configured table, falling back to the
// default counsel.
func (w *LoggingWiseAuthority) FetchGuidance(ctx context.Context, topic string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.Lock()
	answer, ok := w.guidance[topic]
	w.mu.Unlock()
	if !ok || answer == "" {
		answer = defaultGuidance
	}
	w.logger.Info("guidance requested for %q", topic)
	return answer, nil
}

// SetGuidance installs a canned answer for a topic.
func (w *LoggingWiseAuthority) SetGuidance(topic, answer string) {
	w.mu.Lock()
	w.guidance[topic] = answer
	w.mu.Unlock()
}

// Deferrals returns a copy of everything escalated so far.
func (w *LoggingWiseAuthority) Deferrals() []core.DeferralPackage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]core.DeferralPackage, len(w.deferrals))
	copy(out, w.deferrals)
	return out
}

var _ services.WiseAuthorityService = (*LoggingWiseAuthority)(nil)
