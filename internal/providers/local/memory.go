package local

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"ethos/internal/core"
	"ethos/internal/logging"
	"ethos/internal/services"
)

// GraphMemoryConfig tunes the in-memory graph adapter.
type GraphMemoryConfig struct {
	// Elevated allows writes and forgets in the identity and environment
	// scopes. Off by default: protected scopes answer DENIED.
	Elevated bool
}

// GraphMemory is the in-process memory provider: a scope-partitioned node map
// with the same permission surface a real graph store would enforce. Policy
// outcomes travel inside MemoryOpResult; errors are reserved for transport.
type GraphMemory struct {
	logger   logging.Logger
	elevated atomic.Bool
	healthy  atomic.Bool

	mu    sync.RWMutex
	nodes map[core.GraphScope]map[string]core.GraphNode
}

// NewGraphMemory builds the adapter.
func NewGraphMemory(cfg GraphMemoryConfig, logger logging.Logger) *GraphMemory {
	m := &GraphMemory{
		logger: logging.OrNop(logger),
		nodes: map[core.GraphScope]map[string]core.GraphNode{
			core.ScopeLocal:       {},
			core.ScopeIdentity:    {},
			core.ScopeEnvironment: {},
		},
	}
	m.elevated.Store(cfg.Elevated)
	m.healthy.Store(true)
	return m
}

func (m *GraphMemory) Name() string { return "graph-memory" }

func (m *GraphMemory) IsHealthy(ctx context.Context) bool {
	return m.healthy.Load() && ctx.Err() == nil
}

func (m *GraphMemory) Capabilities() []string {
	return []string{services.CapMemorize, services.CapRecall, services.CapForget}
}

// SetElevated grants or revokes protected-scope write permission.
func (m *GraphMemory) SetElevated(elevated bool) {
	m.elevated.Store(elevated)
}

// SetHealthy flips the health probe, for failover tests.
func (m *GraphMemory) SetHealthy(healthy bool) {
	m.healthy.Store(healthy)
}

// Memorize stores the node in its scope. Protected scopes are denied without
// elevation; the denial is a policy verdict, not an error.
func (m *GraphMemory) Memorize(ctx context.Context, node core.GraphNode) (core.MemoryOpResult, error) {
	if err := ctx.Err(); err != nil {
		return core.MemoryOpResult{}, err
	}
	if err := node.Validate(); err != nil {
		return core.MemoryOpResult{Status: core.MemoryOpError, Reason: err.Error()}, nil
	}
	if node.Scope.Protected() && !m.elevated.Load() {
		return core.MemoryOpResult{
			Status: core.MemoryOpDenied,
			Reason: fmt.Sprintf("writing to the %s scope requires elevated permission", node.Scope),
		}, nil
	}

	stored := node
	if len(node.Attributes) > 0 {
		stored.Attributes = make(map[string]string, len(node.Attributes))
		for k, v := range node.Attributes {
			stored.Attributes[k] = v
		}
	}
	m.mu.Lock()
	m.nodes[stored.Scope][stored.ID] = stored
	m.mu.Unlock()
	m.logger.Debug("memorized node %s (%s, scope %s)", stored.ID, stored.Type, stored.Scope)
	return core.MemoryOpResult{Status: core.MemoryOpOK}, nil
}

// Recall answers by node id or by a case-insensitive substring query over ids
// and attributes. Reads are unrestricted; an empty match is still OK.
func (m *GraphMemory) Recall(ctx context.Context, query core.RecallQuery) (core.MemoryOpResult, error) {
	if err := ctx.Err(); err != nil {
		return core.MemoryOpResult{}, err
	}
	if query.NodeID == "" && query.Query == "" {
		return core.MemoryOpResult{Status: core.MemoryOpError, Reason: "recall needs a node id or a query"}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []core.GraphNode
	for _, scope := range m.scopesFor(query.Scope) {
		for _, node := range m.nodes[scope] {
			if query.NodeType != "" && node.Type != query.NodeType {
				continue
			}
			if query.NodeID != "" {
				if node.ID == query.NodeID {
					matches = append(matches, node)
				}
				continue
			}
			if nodeMatches(node, query.Query) {
				matches = append(matches, node)
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Scope != matches[j].Scope {
			return matches[i].Scope < matches[j].Scope
		}
		return matches[i].ID < matches[j].ID
	})
	return core.MemoryOpResult{Status: core.MemoryOpOK, Data: matches}, nil
}

// Forget removes the node. Protected scopes are denied without elevation;
// forgetting an absent node is an idempotent OK.
func (m *GraphMemory) Forget(ctx context.Context, node core.GraphNode, reason string) (core.MemoryOpResult, error) {
	if err := ctx.Err(); err != nil {
		return core.MemoryOpResult{}, err
	}
	if node.ID == "" {
		return core.MemoryOpResult{Status: core.MemoryOpError, Reason: "forget needs a node id"}, nil
	}
	if node.Scope.Protected() && !m.elevated.Load() {
		return core.MemoryOpResult{
			Status: core.MemoryOpDenied,
			Reason: fmt.Sprintf("forgetting from the %s scope requires elevated permission", node.Scope),
		}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, scope := range m.scopesFor(node.Scope) {
		if _, ok := m.nodes[scope][node.ID]; ok {
			delete(m.nodes[scope], node.ID)
			m.logger.Debug("forgot node %s (scope %s, reason %q)", node.ID, scope, reason)
			return core.MemoryOpResult{Status: core.MemoryOpOK}, nil
		}
	}
	return core.MemoryOpResult{Status: core.MemoryOpOK, Reason: "node was not present"}, nil
}

// NodeCount reports how many nodes the scope holds. An empty scope counts
// everything.
func (m *GraphMemory) NodeCount(scope core.GraphScope) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.scopesFor(scope) {
		total += len(m.nodes[s])
	}
	return total
}

// scopesFor narrows operations to one scope when the caller named one. An
// unset scope walks local first, then the protected scopes.
func (m *GraphMemory) scopesFor(scope core.GraphScope) []core.GraphScope {
	if scope != "" {
		return []core.GraphScope{scope}
	}
	return []core.GraphScope{core.ScopeLocal, core.ScopeIdentity, core.ScopeEnvironment}
}

func nodeMatches(node core.GraphNode, query string) bool {
	needle := strings.ToLower(query)
	if strings.Contains(strings.ToLower(node.ID), needle) {
		return true
	}
	for k, v := range node.Attributes {
		if strings.Contains(strings.ToLower(k), needle) || strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

var _ services.MemoryService = (*GraphMemory)(nil)
