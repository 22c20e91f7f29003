package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ethos/internal/core"
	"ethos/internal/errors"
	"ethos/internal/logging"
	"ethos/internal/services"
)

// Built-in tool names.
const (
	ToolEcho     = "echo"
	ToolClock    = "clock"
	ToolSelfTest = "self_test"
)

// BuiltinToolsConfig tunes the built-in tool provider.
type BuiltinToolsConfig struct {
	// Delay postpones result availability after Execute accepts a call, so
	// timeout handling can be exercised. Zero means results are immediate.
	Delay time.Duration
}

type toolInvocation struct {
	result  *core.ToolResult
	readyAt time.Time
}

// BuiltinTools is the in-process tool provider: echo, clock and self_test,
// each with a schema, argument validation and a correlation-keyed result
// store. Execute computes the result up front and Result withholds it until
// the configured delay has passed, which keeps the adapter goroutine-free.
type BuiltinTools struct {
	delay   time.Duration
	logger  logging.Logger
	healthy atomic.Bool

	mu          sync.Mutex
	invocations map[string]toolInvocation
}

// NewBuiltinTools builds the provider.
func NewBuiltinTools(cfg BuiltinToolsConfig, logger logging.Logger) *BuiltinTools {
	t := &BuiltinTools{
		delay:       cfg.Delay,
		logger:      logging.OrNop(logger),
		invocations: make(map[string]toolInvocation),
	}
	t.healthy.Store(true)
	return t
}

func (t *BuiltinTools) Name() string { return "builtin-tools" }

func (t *BuiltinTools) IsHealthy(ctx context.Context) bool {
	return t.healthy.Load() && ctx.Err() == nil
}

func (t *BuiltinTools) Capabilities() []string {
	return []string{services.CapExecuteTool, services.CapListTools}
}

// SetHealthy flips the health probe, for failover tests.
func (t *BuiltinTools) SetHealthy(healthy bool) {
	t.healthy.Store(healthy)
}

// ListTools advertises the built-in schemas.
func (t *BuiltinTools) ListTools(ctx context.Context) ([]core.ToolSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []core.ToolSchema{
		{
			Name:        ToolEcho,
			Description: "Echo the given text back.",
			Parameters:  map[string]string{"text": "string, required"},
		},
		{
			Name:        ToolClock,
			Description: "Report the current UTC time.",
		},
		{
			Name:        ToolSelfTest,
			Description: "Run an internal self test.",
			Parameters:  map[string]string{"fail": "bool, optional; force a failure"},
		},
	}, nil
}

// ValidateParams checks arguments without executing.
func (t *BuiltinTools) ValidateParams(ctx context.Context, name string, args map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch name {
	case ToolEcho:
		text, ok := args["text"].(string)
		if !ok || text == "" {
			return errors.NewValidationError("text", "echo requires a non-empty text argument")
		}
		return nil
	case ToolClock:
		return nil
	case ToolSelfTest:
		if raw, present := args["fail"]; present {
			if _, ok := raw.(bool); !ok {
				return errors.NewValidationError("fail", "must be a boolean")
			}
		}
		return nil
	default:
		return errors.NewValidationError("name", fmt.Sprintf("unknown tool %q", name))
	}
}

// Execute accepts the invocation and computes its result. The result becomes
// visible to Result once the artificial delay elapses.
func (t *BuiltinTools) Execute(ctx context.Context, name string, args map[string]any, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if correlationID == "" {
		return errors.NewValidationError("correlation_id", "must not be empty")
	}
	if err := t.ValidateParams(ctx, name, args); err != nil {
		return err
	}

	result := t.run(name, args)
	result.CorrelationID = correlationID

	t.mu.Lock()
	t.invocations[correlationID] = toolInvocation{
		result:  result,
		readyAt: time.Now().Add(t.delay),
	}
	t.mu.Unlock()
	t.logger.Debug("tool %s accepted (correlation %s)", name, correlationID)
	return nil
}

// Result returns the stored outcome, or (nil, nil) while the invocation is
// still inside its delay window.
func (t *BuiltinTools) Result(ctx context.Context, correlationID string) (*core.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.invocations[correlationID]
	if !ok {
		return nil, fmt.Errorf("unknown tool correlation %q", correlationID)
	}
	if time.Now().Before(inv.readyAt) {
		return nil, nil
	}
	return inv.result, nil
}

func (t *BuiltinTools) run(name string, args map[string]any) *core.ToolResult {
	result := &core.ToolResult{Tool: name, CompletedAt: time.Now().UTC()}
	switch name {
	case ToolEcho:
		text, _ := args["text"].(string)
		result.Output = mustJSON(map[string]string{"echo": text})
	case ToolClock:
		result.Output = mustJSON(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
	case ToolSelfTest:
		if fail, _ := args["fail"].(bool); fail {
			result.Error = "self test failed on request"
			return result
		}
		result.Output = mustJSON(map[string]any{
			"status": "ok",
			"checks": []string{"store", "queue", "pipeline"},
		})
	}
	return result
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err) // static shapes above cannot fail to marshal
	}
	return raw
}

var _ services.ToolService = (*BuiltinTools)(nil)
