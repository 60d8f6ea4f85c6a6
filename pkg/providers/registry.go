// Package providers implements the Provider Registry: a name-keyed lookup
// of core.ProviderAdapter plus the per-provider circuit breaker and health
// tracking the Executor consults (spec.md §4.3, SPEC_FULL.md §4).
//
// Grounded on the teacher's system/core.Registry for the "immutable after
// startup, atomically reloadable" registry shape, simplified from the
// teacher's general module registry down to a name->adapter map.
package providers

import (
	"context"
	"sync"
	"time"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/resilience"
)

type entry struct {
	adapter  core.ProviderAdapter
	breaker  *resilience.CircuitBreaker
	mu       sync.Mutex
	total    int
	failures int
	inFlight int
}

// Registry holds every registered provider and its circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	breakCfg resilience.CircuitConfig
}

// NewRegistry constructs an empty Registry; breakerCfg is applied to every
// provider unless overridden via RegisterWithConfig.
func NewRegistry(breakerCfg resilience.CircuitConfig) *Registry {
	return &Registry{entries: make(map[string]*entry), breakCfg: breakerCfg}
}

// Register adds (or replaces) a provider adapter using the registry's
// default circuit breaker config.
func (r *Registry) Register(adapter core.ProviderAdapter) {
	r.RegisterWithConfig(adapter, r.breakCfg)
}

// RegisterWithConfig adds a provider with a provider-specific breaker
// config (e.g. a distinct FallbackProvider per provider).
func (r *Registry) RegisterWithConfig(adapter core.ProviderAdapter, cfg resilience.CircuitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[adapter.Name()] = &entry{adapter: adapter, breaker: resilience.NewCircuitBreaker(cfg)}
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (core.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, errors.UnknownProvider(name)
	}
	return e.adapter, nil
}

// Breaker returns the circuit breaker guarding a provider.
func (r *Registry) Breaker(name string) (*resilience.CircuitBreaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, errors.UnknownProvider(name)
	}
	return e.breaker, nil
}

// recordStart/recordEnd feed the supplemented health-tracking feature
// (SPEC_FULL.md §4): a rolling view of success rate and in-flight count per
// provider, independent of (and additive to) the failure-counting breaker.
func (r *Registry) RecordStart(name string) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
}

func (r *Registry) RecordEnd(name string, success bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.inFlight--
	e.total++
	if !success {
		e.failures++
	}
	e.mu.Unlock()
}

// Health returns a point-in-time ProviderHealth snapshot.
func (r *Registry) Health(name string) (*core.ProviderHealth, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.UnknownProvider(name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rate := 1.0
	if e.total > 0 {
		rate = float64(e.total-e.failures) / float64(e.total)
	}
	return &core.ProviderHealth{
		Name:         name,
		CircuitState: e.breaker.State().String(),
		SuccessRate:  rate,
		InFlight:     e.inFlight,
	}, nil
}

// Names lists every registered provider.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// healthChecker is implemented by adapters that support an active
// healthcheck sweep; most adapters only need passive failure counting.
type healthChecker interface {
	Healthcheck(ctx context.Context) error
}

// HealthcheckAll sweeps every adapter implementing healthChecker, folding
// failures into its breaker the same way a failed Execute call would
// (SPEC_FULL.md §4 provider-health-tracking feature, grounded on the
// teacher's system/core health-monitor periodic-sweep pattern).
func (r *Registry) HealthcheckAll(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		hc, ok := e.adapter.(healthChecker)
		if !ok {
			continue
		}
		deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := hc.Healthcheck(deadline)
		cancel()
		if err != nil {
			e.breaker.ReportFailure()
			e.mu.Lock()
			e.total++
			e.failures++
			e.mu.Unlock()
		}
	}
}
