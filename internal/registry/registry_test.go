package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethos/internal/errors"
	"ethos/internal/services"
)

type stubProvider struct {
	name    string
	healthy atomic.Bool
	caps    []string
}

func newStub(name string, caps ...string) *stubProvider {
	p := &stubProvider{name: name, caps: caps}
	p.healthy.Store(true)
	return p
}

func (p *stubProvider) Name() string                   { return p.name }
func (p *stubProvider) IsHealthy(context.Context) bool { return p.healthy.Load() }
func (p *stubProvider) Capabilities() []string         { return p.caps }

func newTestRegistry() *ServiceRegistry {
	breakers := errors.NewCircuitBreakerManager(errors.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, nil)
	return New(breakers, nil)
}

func TestGetPrefersPriority(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	backup := newStub("backup", services.CapSendMessage)
	primary := newStub("primary", services.CapSendMessage)
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, backup, PriorityFallback))
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, primary, PriorityCritical))

	got, err := r.Get(ctx, "speak", services.TypeCommunication, services.CapSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "primary", got.Name())
}

func TestGetPrefersHandlerScope(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	global := newStub("global", services.CapSendMessage)
	scoped := newStub("scoped", services.CapSendMessage)
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, global, PriorityCritical))
	require.NoError(t, r.Register("speak", services.TypeCommunication, scoped, PriorityLow))

	// Even a low-priority scoped provider beats a critical global one.
	got, err := r.Get(ctx, "speak", services.TypeCommunication, services.CapSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "scoped", got.Name())

	// Other handlers only see the global scope.
	got, err = r.Get(ctx, "observe", services.TypeCommunication, services.CapSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "global", got.Name())
}

func TestGetFiltersCapabilities(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sender := newStub("sender", services.CapSendMessage)
	full := newStub("full", services.CapSendMessage, services.CapFetchMessages)
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, sender, PriorityCritical))
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, full, PriorityNormal))

	got, err := r.Get(ctx, "observe", services.TypeCommunication, services.CapFetchMessages)
	require.NoError(t, err)
	assert.Equal(t, "full", got.Name())
}

func TestGetSkipsUnhealthy(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	primary := newStub("primary", services.CapSendMessage)
	fallback := newStub("fallback", services.CapSendMessage)
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, primary, PriorityCritical))
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, fallback, PriorityFallback))

	primary.healthy.Store(false)

	got, err := r.Get(ctx, "speak", services.TypeCommunication, services.CapSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Name())
}

func TestGetSkipsOpenBreaker(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	primary := newStub("primary", services.CapSendMessage)
	fallback := newStub("fallback", services.CapSendMessage)
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, primary, PriorityCritical))
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, fallback, PriorityFallback))

	breaker := r.Breakers().Get("primary")
	breaker.Mark(fmt.Errorf("boom"))
	breaker.Mark(fmt.Errorf("boom"))
	require.Equal(t, errors.StateOpen, breaker.State())

	got, err := r.Get(ctx, "speak", services.TypeCommunication, services.CapSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Name())
}

func TestGetNoProvider(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Get(context.Background(), "speak", services.TypeCommunication)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "resolution misses are retryable")

	// Registered but unhealthy is also a transient miss.
	p := newStub("flaky", services.CapSendMessage)
	p.healthy.Store(false)
	require.NoError(t, r.Register(GlobalScope, services.TypeCommunication, p, PriorityNormal))
	_, err = r.Get(context.Background(), "speak", services.TypeCommunication)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestGetAllDedupsAcrossScopes(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	shared := newStub("shared", services.CapExecuteTool)
	extra := newStub("extra", services.CapExecuteTool)
	require.NoError(t, r.Register(GlobalScope, services.TypeTool, shared, PriorityNormal))
	require.NoError(t, r.Register("tool", services.TypeTool, shared, PriorityHigh))
	require.NoError(t, r.Register(GlobalScope, services.TypeTool, extra, PriorityLow))

	all := r.GetAll(ctx, services.TypeTool)
	require.Len(t, all, 2)
	assert.Equal(t, "shared", all[0].Name())
	assert.Equal(t, "extra", all[1].Name())
}

func TestWaitReady(t *testing.T) {
	r := newTestRegistry()

	p := newStub("late", services.CapCompletion)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = r.Register(GlobalScope, services.TypeLLM, p, PriorityNormal)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.WaitReady(ctx, services.TypeLLM))
}

func TestWaitReadyTimeout(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := r.WaitReady(ctx, services.TypeWiseAuthority)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
