package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"ethos/internal/core"
	"ethos/internal/ids"
	"ethos/internal/logging"
	"ethos/internal/services"
)

const (
	defaultAuditBuffer    = 256
	defaultFlushThreshold = 16
)

// AuditTrailConfig tunes the audit provider.
type AuditTrailConfig struct {
	// Path is the JSONL sink. Empty keeps the trail in memory only.
	Path string
	// BufferSize bounds the in-memory ring. Zero applies the default.
	BufferSize int
	// FlushThreshold is how many buffered file writes accumulate before a
	// flush. Zero applies the default.
	FlushThreshold int
}

// AuditTrail keeps the most recent events in a ring buffer for Query and
// appends every event to a JSONL file when a path is configured. Audit
// failure is reported but must never fail the audited action; the bus
// enforces that contract, this provider just stays cheap and append-only.
type AuditTrail struct {
	logger    logging.Logger
	ringSize  int
	threshold int

	mu      sync.Mutex
	ring    []core.AuditEvent
	next    int
	total   int
	file    *os.File
	writer  *bufio.Writer
	pending int
	closed  bool
}

// NewAuditTrail builds the provider, opening the JSONL sink when configured.
func NewAuditTrail(cfg AuditTrailConfig, logger logging.Logger) (*AuditTrail, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultAuditBuffer
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaultFlushThreshold
	}
	t := &AuditTrail{
		logger:    logging.OrNop(logger),
		ringSize:  cfg.BufferSize,
		threshold: cfg.FlushThreshold,
		ring:      make([]core.AuditEvent, 0, cfg.BufferSize),
	}
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit sink %s: %w", cfg.Path, err)
		}
		t.file = file
		t.writer = bufio.NewWriter(file)
	}
	return t, nil
}

func (t *AuditTrail) Name() string { return "audit-trail" }

func (t *AuditTrail) IsHealthy(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *AuditTrail) Capabilities() []string {
	return []string{services.CapLogEvent}
}

// LogEvent records the event, stamping identity and time when the caller
// left them empty.
func (t *AuditTrail) LogEvent(ctx context.Context, event core.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = ids.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("audit trail is closed")
	}

	if len(t.ring) < t.ringSize {
		t.ring = append(t.ring, event)
	} else {
		t.ring[t.next] = event
	}
	t.next = (t.next + 1) % t.ringSize
	t.total++

	if t.writer == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event %s: %w", event.ID, err)
	}
	if _, err := t.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	t.pending++
	if t.pending >= t.threshold {
		t.pending = 0
		if err := t.writer.Flush(); err != nil {
			return fmt.Errorf("flush audit sink: %w", err)
		}
	}
	return nil
}

// Query returns retained events in chronological order, filtered by task id
// when one is given. Limit zero means everything the ring still holds.
func (t *AuditTrail) Query(ctx context.Context, taskID string, limit int) ([]core.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ordered := make([]core.AuditEvent, 0, len(t.ring))
	if len(t.ring) < t.ringSize {
		ordered = append(ordered, t.ring...)
	} else {
		ordered = append(ordered, t.ring[t.next:]...)
		ordered = append(ordered, t.ring[:t.next]...)
	}

	var out []core.AuditEvent
	for _, event := range ordered {
		if taskID != "" && event.TaskID != taskID {
			continue
		}
		out = append(out, event)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Total reports how many events were logged over the trail's lifetime,
// including ones the ring has since evicted.
func (t *AuditTrail) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Flush forces buffered file writes to disk.
func (t *AuditTrail) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil || t.closed {
		return nil
	}
	t.pending = 0
	return t.writer.Flush()
}

// Close flushes and releases the sink. Further LogEvent calls fail.
func (t *AuditTrail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.writer == nil {
		return nil
	}
	flushErr := t.writer.Flush()
	closeErr := t.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

var _ services.AuditService = (*AuditTrail)(nil)
