// Package registry resolves capability requests to concrete providers.
// Providers register globally or scoped to one handler; lookups prefer the
// handler scope, then fall back to global, walking priorities from CRITICAL
// down to FALLBACK. A provider whose circuit breaker is open or whose health
// probe fails is skipped, so every resolution doubles as a failover.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ethos/internal/errors"
	"ethos/internal/logging"
	"ethos/internal/services"
)

// Priority orders providers within a scope. Lower is preferred.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityFallback
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityFallback:
		return "fallback"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// GlobalScope registers a provider for every handler.
const GlobalScope = ""

const waitReadyInterval = 100 * time.Millisecond

// ErrNoProvider marks resolutions that failed because nothing is registered
// for the service type at all, as opposed to registered providers being
// temporarily unavailable. The speak handler treats it as a deployment-level
// failure and requests shutdown.
var ErrNoProvider = fmt.Errorf("no provider registered")

type registration struct {
	provider     services.Service
	priority     Priority
	capabilities map[string]struct{}
	order        int
}

// ServiceRegistry is the provider directory. Safe for concurrent use.
type ServiceRegistry struct {
	logger   logging.Logger
	breakers *errors.CircuitBreakerManager

	mu     sync.RWMutex
	scoped map[string]map[services.ServiceType][]registration
	nextID int
}

// New builds an empty registry sharing the given breaker manager with the bus.
func New(breakers *errors.CircuitBreakerManager, logger logging.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		logger:   logging.OrNop(logger),
		breakers: breakers,
		scoped:   make(map[string]map[services.ServiceType][]registration),
	}
}

// Breakers exposes the shared circuit breaker manager.
func (r *ServiceRegistry) Breakers() *errors.CircuitBreakerManager {
	return r.breakers
}

// Register adds a provider under the given handler scope (GlobalScope for
// all handlers). When capabilities is empty the provider's own declared set
// is used.
func (r *ServiceRegistry) Register(handler string, serviceType services.ServiceType, provider services.Service, priority Priority, capabilities ...string) error {
	if provider == nil {
		return fmt.Errorf("register %s: nil provider", serviceType)
	}
	if provider.Name() == "" {
		return fmt.Errorf("register %s: provider has no name", serviceType)
	}
	if len(capabilities) == 0 {
		capabilities = provider.Capabilities()
	}
	capSet := make(map[string]struct{}, len(capabilities))
	for _, capability := range capabilities {
		capSet[capability] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.scoped[handler]
	if !ok {
		byType = make(map[services.ServiceType][]registration)
		r.scoped[handler] = byType
	}
	byType[serviceType] = append(byType[serviceType], registration{
		provider:     provider,
		priority:     priority,
		capabilities: capSet,
		order:        r.nextID,
	})
	r.nextID++
	sortRegistrations(byType[serviceType])

	scope := handler
	if scope == GlobalScope {
		scope = "global"
	}
	r.logger.Info("registered %s provider %q (scope=%s priority=%s caps=%d)",
		serviceType, provider.Name(), scope, priority, len(capSet))
	return nil
}

func sortRegistrations(regs []registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].order < regs[j].order
	})
}

// Get resolves the best available provider for a handler: the highest
// priority registration in the handler's scope, then in the global scope,
// that advertises every required capability, has a closed (or probing)
// breaker and passes its health check.
func (r *ServiceRegistry) Get(ctx context.Context, handler string, serviceType services.ServiceType, required ...string) (services.Service, error) {
	candidates := r.candidates(handler, serviceType)
	if len(candidates) == 0 {
		return nil, errors.NewTransientError(
			fmt.Errorf("%w for %s", ErrNoProvider, serviceType),
			fmt.Sprintf("No %s provider is registered for handler %q.", serviceType, handler))
	}

	var skipped []string
	for _, reg := range candidates {
		name := reg.provider.Name()
		if !hasCapabilities(reg.capabilities, required) {
			skipped = append(skipped, name+" (missing capability)")
			continue
		}
		if err := r.breakers.Get(name).Allow(); err != nil {
			skipped = append(skipped, name+" (breaker open)")
			continue
		}
		if !reg.provider.IsHealthy(ctx) {
			skipped = append(skipped, name+" (unhealthy)")
			continue
		}
		return reg.provider, nil
	}

	return nil, errors.NewTransientError(
		fmt.Errorf("no healthy %s provider: skipped %v", serviceType, skipped),
		fmt.Sprintf("Every %s provider is currently unavailable.", serviceType))
}

// GetAll returns every registered provider for a type, across all scopes,
// priority order, that currently passes breaker and health checks. Providers
// registered in multiple scopes appear once.
func (r *ServiceRegistry) GetAll(ctx context.Context, serviceType services.ServiceType) []services.Service {
	r.mu.RLock()
	var regs []registration
	for _, byType := range r.scoped {
		regs = append(regs, byType[serviceType]...)
	}
	r.mu.RUnlock()
	sortRegistrations(regs)

	seen := make(map[string]struct{})
	var out []services.Service
	for _, reg := range regs {
		name := reg.provider.Name()
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if err := r.breakers.Get(name).Allow(); err != nil {
			continue
		}
		if !reg.provider.IsHealthy(ctx) {
			continue
		}
		out = append(out, reg.provider)
	}
	return out
}

// candidates returns handler-scoped registrations followed by global ones,
// each block already priority sorted.
func (r *ServiceRegistry) candidates(handler string, serviceType services.ServiceType) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []registration
	if handler != GlobalScope {
		if byType, ok := r.scoped[handler]; ok {
			out = append(out, byType[serviceType]...)
		}
	}
	if byType, ok := r.scoped[GlobalScope]; ok {
		out = append(out, byType[serviceType]...)
	}
	return out
}

func hasCapabilities(have map[string]struct{}, required []string) bool {
	for _, capability := range required {
		if _, ok := have[capability]; !ok {
			return false
		}
	}
	return true
}

// WaitReady blocks until every named service type has at least one healthy
// provider, polling until the context expires.
func (r *ServiceRegistry) WaitReady(ctx context.Context, types ...services.ServiceType) error {
	ticker := time.NewTicker(waitReadyInterval)
	defer ticker.Stop()

	for {
		missing := r.missingTypes(ctx, types)
		if len(missing) == 0 {
			r.logger.Info("all %d required service types ready", len(types))
			return nil
		}
		r.logger.Debug("waiting for service types: %v", missing)

		select {
		case <-ctx.Done():
			return fmt.Errorf("services not ready (%v): %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *ServiceRegistry) missingTypes(ctx context.Context, types []services.ServiceType) []services.ServiceType {
	var missing []services.ServiceType
	for _, serviceType := range types {
		if len(r.GetAll(ctx, serviceType)) == 0 {
			missing = append(missing, serviceType)
		}
	}
	return missing
}
