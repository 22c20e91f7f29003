package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/services"
)

// consoleHistoryLimit bounds how many delivered messages the adapter retains
// for inspection.
const consoleHistoryLimit = 256

// ConsoleConfig tunes the console adapter.
type ConsoleConfig struct {
	// AgentName prefixes every printed line.
	AgentName string
	// Writer receives delivered messages. Nil falls back to stdout.
	Writer io.Writer
}

// SentMessage is one delivered message, kept for tests and the CLI.
type SentMessage struct {
	ChannelID string
	Content   string
	At        time.Time
}

// ConsoleCommunication is the terminal-backed communication provider: sends
// print to the configured writer, fetches drain an injectable per-channel
// inbox. It is the channel of record when the runtime runs keyless.
type ConsoleCommunication struct {
	agent   string
	writer  io.Writer
	logger  logging.Logger
	healthy atomic.Bool

	mu    sync.Mutex
	inbox map[string][]core.FetchedMessage
	sent  []SentMessage
}

// NewConsoleCommunication builds the adapter.
func NewConsoleCommunication(cfg ConsoleConfig, logger logging.Logger) *ConsoleCommunication {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	agent := cfg.AgentName
	if agent == "" {
		agent = "ethos"
	}
	c := &ConsoleCommunication{
		agent:  agent,
		writer: writer,
		logger: logging.OrNop(logger),
		inbox:  make(map[string][]core.FetchedMessage),
	}
	c.healthy.Store(true)
	return c
}

func (c *ConsoleCommunication) Name() string { return "console" }

func (c *ConsoleCommunication) IsHealthy(ctx context.Context) bool {
	return c.healthy.Load() && ctx.Err() == nil
}

func (c *ConsoleCommunication) Capabilities() []string {
	return []string{services.CapSendMessage, services.CapFetchMessages}
}

// SetHealthy flips the health probe, for failover tests.
func (c *ConsoleCommunication) SetHealthy(healthy bool) {
	c.healthy.Store(healthy)
}

// SendMessage prints the content and records it in the delivery history.
func (c *ConsoleCommunication) SendMessage(ctx context.Context, channelID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "[%s] %s> %s\n", channelID, c.agent, content); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	c.sent = append(c.sent, SentMessage{ChannelID: channelID, Content: content, At: time.Now().UTC()})
	if len(c.sent) > consoleHistoryLimit {
		c.sent = c.sent[len(c.sent)-consoleHistoryLimit:]
	}
	return nil
}

// FetchMessages drains up to limit injected messages for the channel, oldest
// first. An empty inbox returns an empty slice, never an error.
func (c *ConsoleCommunication) FetchMessages(ctx context.Context, channelID string, limit int) ([]core.FetchedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.inbox[channelID]
	if len(queued) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(queued) {
		n = len(queued)
	}
	out := append([]core.FetchedMessage(nil), queued[:n]...)
	c.inbox[channelID] = queued[n:]
	return out, nil
}

// InjectMessage queues a message for a later fetch on the channel.
func (c *ConsoleCommunication) InjectMessage(channelID string, msg core.FetchedMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox[channelID] = append(c.inbox[channelID], msg)
}

// Sent returns a copy of the delivery history, oldest first.
func (c *ConsoleCommunication) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

var _ services.CommunicationService = (*ConsoleCommunication)(nil)
