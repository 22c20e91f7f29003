// Package services defines the capability ports the runtime consumes and the
// registry serves. Providers implement one or more ports plus the base
// Service contract; the bus resolves a provider per call and never holds one.
package services

import (
	"context"

	"ethos/internal/core"
)

// ServiceType names a capability family in the registry.
type ServiceType string

const (
	TypeCommunication ServiceType = "communication"
	TypeMemory        ServiceType = "memory"
	TypeTool          ServiceType = "tool"
	TypeWiseAuthority ServiceType = "wise_authority"
	TypeAudit         ServiceType = "audit"
	TypeLLM           ServiceType = "llm"
)

// Capability names advertised by providers and required by callers.
const (
	CapSendMessage   = "send_message"
	CapFetchMessages = "fetch_messages"
	CapMemorize      = "memorize"
	CapRecall        = "recall"
	CapForget        = "forget"
	CapExecuteTool   = "execute_tool"
	CapListTools     = "list_tools"
	CapSendDeferral  = "send_deferral"
	CapFetchGuidance = "fetch_guidance"
	CapLogEvent      = "log_event"
	CapCompletion    = "completion"
)

// Service is the base contract every provider implements. IsHealthy must be
// cheap; the registry polls it on every resolution.
type Service interface {
	Name() string
	IsHealthy(ctx context.Context) bool
	Capabilities() []string
}

// CommunicationService moves messages between the agent and a channel.
type CommunicationService interface {
	Service
	SendMessage(ctx context.Context, channelID, content string) error
	FetchMessages(ctx context.Context, channelID string, limit int) ([]core.FetchedMessage, error)
}

// MemoryService persists, queries and removes graph nodes. Implementations
// enforce scope permissions and report denial through MemoryOpResult rather
// than an error.
type MemoryService interface {
	Service
	Memorize(ctx context.Context, node core.GraphNode) (core.MemoryOpResult, error)
	Recall(ctx context.Context, query core.RecallQuery) (core.MemoryOpResult, error)
	Forget(ctx context.Context, node core.GraphNode, reason string) (core.MemoryOpResult, error)
}

// ToolService executes named tools asynchronously. Execute returns once the
// invocation is accepted; the result arrives later under the correlation id.
// Result returns (nil, nil) while the invocation is still running.
type ToolService interface {
	Service
	Execute(ctx context.Context, name string, args map[string]any, correlationID string) error
	Result(ctx context.Context, correlationID string) (*core.ToolResult, error)
	ListTools(ctx context.Context) ([]core.ToolSchema, error)
	ValidateParams(ctx context.Context, name string, args map[string]any) error
}

// WiseAuthorityService escalates decisions the agent cannot make alone.
type WiseAuthorityService interface {
	Service
	SendDeferral(ctx context.Context, pkg core.DeferralPackage) error
	FetchGuidance(ctx context.Context, topic string) (string, error)
}

// AuditService records the action trail. LogEvent must not block the caller
// beyond the context deadline; audit failure never fails the audited action.
type AuditService interface {
	Service
	LogEvent(ctx context.Context, event core.AuditEvent) error
}

// LLMService produces structured completions for the evaluators.
type LLMService interface {
	Service
	Complete(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error)
}
