package dma

import (
	"context"
	"time"

	"ethos/internal/core"
	"ethos/internal/errors"
	"ethos/internal/logging"
)

// LLMCaller is the completion slice of the bus the evaluators depend on.
type LLMCaller interface {
	Complete(ctx context.Context, caller string, req core.CompletionRequest) (*core.CompletionResponse, error)
}

// ToolLister is the tool-discovery slice of the bus the orchestrator uses to
// tell the selector which tools are callable.
type ToolLister interface {
	AvailableTools(ctx context.Context, caller string) ([]core.ToolSchema, error)
}

// EthicalEvaluator judges a thought against the agent's ethical commitments.
type EthicalEvaluator interface {
	Name() string
	Evaluate(ctx context.Context, input EvaluationInput) (*EthicalResult, error)
}

// CommonSenseEvaluator judges how plausible the thought's framing is.
type CommonSenseEvaluator interface {
	Name() string
	Evaluate(ctx context.Context, input EvaluationInput) (*CommonSenseResult, error)
}

// DomainEvaluator judges a thought within the profile's activity domain.
type DomainEvaluator interface {
	Name() string
	Evaluate(ctx context.Context, input EvaluationInput) (*DomainResult, error)
}

// SelectionInput is everything the action selector sees.
type SelectionInput struct {
	Input     EvaluationInput
	DMAs      Results
	Permitted []core.ActionKind
	// Tools lists the names the tool providers currently advertise, so the
	// selector only proposes callable tools.
	Tools []string
}

// ActionSelector turns evaluator results into exactly one action.
type ActionSelector interface {
	Name() string
	Select(ctx context.Context, input SelectionInput) (*core.ActionSelectionResult, error)
}

// RetrySettings bounds one evaluator's attempts. Limit counts total attempts,
// not retries. Evaluator calls already run under the configured timeout, so
// backoff waits stay short.
type RetrySettings struct {
	Limit     int
	BaseDelay time.Duration
}

const (
	DefaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = 2 * time.Second
)

// RunWithRetries drives fn with bounded attempts and backoff, returning the
// first success or the final error once attempts are exhausted. Callers turn
// the error into their escalation value (a degraded Results entry, a PONDER
// fallback); evaluator trouble never stops the pipeline.
func RunWithRetries[T any](ctx context.Context, logger logging.Logger, settings RetrySettings, fn func(context.Context) (T, error)) (T, error) {
	if settings.Limit < 1 {
		settings.Limit = 1
	}
	if settings.BaseDelay <= 0 {
		settings.BaseDelay = DefaultRetryBaseDelay
	}
	config := errors.RetryConfig{
		MaxAttempts:  settings.Limit - 1,
		BaseDelay:    settings.BaseDelay,
		MaxDelay:     defaultRetryMaxDelay,
		JitterFactor: 0.25,
	}
	return errors.RetryWithResultAndLog(ctx, config, fn, logger)
}
