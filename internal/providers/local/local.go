// Package local holds the in-process reference providers: a console
// communication adapter, graph memory, a small built-in tool set, a logging
// wise authority, a deterministic mock LLM and the audit trail. Together they
// cover every service type the registry requires, so the runtime starts and
// deliberates with no external credentials at all.
package local

import (
	"ethos/internal/logging"
	"ethos/internal/registry"
	"ethos/internal/services"
)

// SetConfig tunes the whole provider set at once.
type SetConfig struct {
	// AgentName prefixes console output.
	AgentName string
	// Console is where spoken messages land. Nil falls back to stdout.
	Console *ConsoleConfig
	// Memory configures the graph memory adapter.
	Memory GraphMemoryConfig
	// Tools configures the built-in tool set.
	Tools BuiltinToolsConfig
	// Audit configures the audit trail sink.
	Audit AuditTrailConfig
}

// Set bundles one instance of every local provider, ready to register.
type Set struct {
	Console   *ConsoleCommunication
	Memory    *GraphMemory
	Tools     *BuiltinTools
	Authority *LoggingWiseAuthority
	LLM       *MockLLM
	Audit     *AuditTrail
}

// NewSet builds the full provider set.
func NewSet(cfg SetConfig, logger logging.Logger) (*Set, error) {
	logger = logging.OrNop(logger)

	consoleCfg := ConsoleConfig{AgentName: cfg.AgentName}
	if cfg.Console != nil {
		consoleCfg = *cfg.Console
		if consoleCfg.AgentName == "" {
			consoleCfg.AgentName = cfg.AgentName
		}
	}

	audit, err := NewAuditTrail(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	return &Set{
		Console:   NewConsoleCommunication(consoleCfg, logger),
		Memory:    NewGraphMemory(cfg.Memory, logger),
		Tools:     NewBuiltinTools(cfg.Tools, logger),
		Authority: NewLoggingWiseAuthority(logger),
		LLM:       NewMockLLM(logger),
		Audit:     audit,
	}, nil
}

// Register adds every provider to the registry at normal priority in the
// global scope.
func (s *Set) Register(reg *registry.ServiceRegistry) error {
	regs := []struct {
		serviceType services.ServiceType
		provider    services.Service
	}{
		{services.TypeCommunication, s.Console},
		{services.TypeMemory, s.Memory},
		{services.TypeTool, s.Tools},
		{services.TypeWiseAuthority, s.Authority},
		{services.TypeLLM, s.LLM},
		{services.TypeAudit, s.Audit},
	}
	for _, r := range regs {
		if err := reg.Register(registry.GlobalScope, r.serviceType, r.provider, registry.PriorityNormal); err != nil {
			return err
		}
	}
	return nil
}

// Close releases provider resources. Only the audit trail holds any.
func (s *Set) Close() error {
	if s.Audit == nil {
		return nil
	}
	return s.Audit.Close()
}
