// Package shutdown coordinates graceful termination. Any component may
// request shutdown with a reason; the first reason wins and later requests
// are ignored. The processor watches Done() and drives the SHUTDOWN state.
package shutdown

import (
	"context"
	"sync"
	"time"

	"ethos/internal/logging"
)

// Hook is invoked during Execute. Sync hooks run in registration order
// before async hooks are started.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Manager is the single shutdown authority for the process.
type Manager struct {
	logger logging.Logger

	once   sync.Once
	done   chan struct{}
	reason string

	mu         sync.Mutex
	syncHooks  []Hook
	asyncHooks []Hook
	executed   bool
}

// NewManager builds a manager. logger may be nil.
func NewManager(logger logging.Logger) *Manager {
	return &Manager{
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
}

// RequestShutdown records the first reason and closes Done. Safe to call
// from any goroutine, any number of times.
func (m *Manager) RequestShutdown(reason string) {
	m.once.Do(func() {
		m.reason = reason
		m.logger.Warn("shutdown requested: %s", reason)
		close(m.done)
	})
}

// IsRequested reports whether shutdown has been requested.
func (m *Manager) IsRequested() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Reason returns the recorded shutdown reason, empty until requested.
func (m *Manager) Reason() string {
	if !m.IsRequested() {
		return ""
	}
	return m.reason
}

// Done returns the channel closed on the first shutdown request.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// RegisterSyncHook adds a hook executed sequentially during Execute.
// Registration after Execute has run is ignored.
func (m *Manager) RegisterSyncHook(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executed {
		return
	}
	m.syncHooks = append(m.syncHooks, Hook{Name: name, Fn: fn})
}

// RegisterAsyncHook adds a hook executed concurrently during Execute.
func (m *Manager) RegisterAsyncHook(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executed {
		return
	}
	m.asyncHooks = append(m.asyncHooks, Hook{Name: name, Fn: fn})
}

// Execute runs sync hooks in order, then async hooks concurrently, waiting
// up to timeout for the async group. Hook errors are logged, never fatal:
// shutdown proceeds regardless. Execute runs at most once.
func (m *Manager) Execute(ctx context.Context, timeout time.Duration) {
	m.mu.Lock()
	if m.executed {
		m.mu.Unlock()
		return
	}
	m.executed = true
	syncHooks := append([]Hook(nil), m.syncHooks...)
	asyncHooks := append([]Hook(nil), m.asyncHooks...)
	m.mu.Unlock()

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, h := range syncHooks {
		if err := h.Fn(hookCtx); err != nil {
			m.logger.Error("shutdown hook %s: %v", h.Name, err)
		}
	}

	var wg sync.WaitGroup
	for _, h := range asyncHooks {
		wg.Add(1)
		go func(h Hook) {
			defer wg.Done()
			if err := h.Fn(hookCtx); err != nil {
				m.logger.Error("shutdown hook %s: %v", h.Name, err)
			}
		}(h)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-hookCtx.Done():
		m.logger.Warn("shutdown hooks timed out after %s", timeout)
	}
}
