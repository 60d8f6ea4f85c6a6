// Package executor implements the Executor (spec.md §4.3): bounded
// concurrency dispatch to a provider, guarded by a circuit breaker, retried
// with exponential backoff on retryable failures, landing in the DLQ on
// exhaustion.
package executor

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/providers"
	"github.com/acteon/gateway/pkg/resilience"
	"github.com/acteon/gateway/pkg/state"
)

// Config parameterizes the Executor.
type Config struct {
	MaxConcurrent  int
	QueueDepth     int // additional waiters admitted beyond MaxConcurrent before Throttled
	PerCallTimeout time.Duration
	Retry          resilience.RetryConfig
	// AdmissionRate bounds the rate of new dispatch attempts, independent of
	// the concurrency token pool (SPEC_FULL.md §3: golang.org/x/time/rate).
	AdmissionRate  rate.Limit
	AdmissionBurst int
	DLQEnabled     bool
}

// DefaultConfig mirrors the teacher's resilience defaults, adapted to the
// Executor's own knobs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  32,
		QueueDepth:     64,
		PerCallTimeout: 10 * time.Second,
		Retry:          resilience.DefaultRetryConfig(),
		AdmissionRate:  rate.Inf,
		AdmissionBurst: 1,
		DLQEnabled:     true,
	}
}

// Executor dispatches Actions to providers per spec.md §4.3.
type Executor struct {
	cfg       Config
	registry  *providers.Registry
	store     state.Store
	limiter   *rate.Limiter
	tokens    chan struct{}
	log       *logging.Logger
}

// New constructs an Executor bound to a provider registry and state store.
func New(cfg Config, registry *providers.Registry, store state.Store, log *logging.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	limit := cfg.AdmissionRate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.AdmissionBurst
	if burst <= 0 {
		burst = 1
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		limiter:  rate.NewLimiter(limit, burst),
		tokens:   make(chan struct{}, cfg.MaxConcurrent+cfg.QueueDepth),
		log:      log,
	}
}

// acquireToken implements the "fail with Throttled if the pool is exhausted
// beyond a configurable queue depth" rule (spec.md §4.3 step 1): the
// buffered channel holds MaxConcurrent+QueueDepth slots, and a full buffer
// (all slots in use) returns an error at once instead of blocking, which
// Dispatch reports as Throttled.
func (ex *Executor) acquireToken(ctx context.Context) (func(), error) {
	select {
	case ex.tokens <- struct{}{}:
		return func() { <-ex.tokens }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, errors.RateLimited("executor")
	}
}

// Dispatch performs one Executor pass for action against provider,
// returning the terminal core.Outcome (spec.md §4.3).
func (ex *Executor) Dispatch(ctx context.Context, action *core.Action, provider string) core.Outcome {
	if err := ex.limiter.Wait(ctx); err != nil {
		return core.Throttled(time.Second)
	}

	release, err := ex.acquireToken(ctx)
	if err != nil {
		return core.Throttled(time.Second)
	}
	defer release()

	breaker, err := ex.registry.Breaker(provider)
	if err != nil {
		return core.Failed(err, false)
	}

	if !breaker.Admit() {
		if fallback := breaker.Fallback(); fallback != "" && fallback != provider {
			resp, dispatchErr := ex.attempt(ctx, action, fallback)
			ex.registry.RecordEnd(fallback, dispatchErr == nil)
			if dispatchErr == nil {
				return core.Rerouted(provider, fallback, resp)
			}
			return core.Failed(dispatchErr, errors.Retryable(dispatchErr))
		}
		return core.CircuitOpen(provider)
	}

	resp, dispatchErr := ex.attemptWithRetry(ctx, action, provider, breaker)
	if dispatchErr == nil {
		return core.Executed(resp)
	}

	if ex.cfg.DLQEnabled {
		_ = ex.store.EnqueueDLQ(context.Background(), &core.DLQEntry{
			ID:        core.NewID(),
			Namespace: action.Namespace,
			Action:    action,
			Reason:    core.DLQExhaustedRetries,
			LastError: dispatchErr.Error(),
			FailedAt:  time.Now(),
		})
	}
	return core.Failed(dispatchErr, false)
}

func (ex *Executor) attemptWithRetry(ctx context.Context, action *core.Action, provider string, breaker *resilience.CircuitBreaker) (*core.ProviderResponse, error) {
	var resp *core.ProviderResponse
	err := resilience.Retry(ctx, ex.cfg.Retry, errors.Retryable, func() error {
		var attemptErr error
		resp, attemptErr = ex.attempt(ctx, action, provider)
		if attemptErr != nil {
			breaker.ReportFailure()
			ex.registry.RecordEnd(provider, false)
			return attemptErr
		}
		breaker.ReportSuccess()
		ex.registry.RecordEnd(provider, true)
		return nil
	})
	return resp, err
}

func (ex *Executor) attempt(ctx context.Context, action *core.Action, provider string) (*core.ProviderResponse, error) {
	adapter, err := ex.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	ex.registry.RecordStart(provider)

	callCtx := ctx
	var cancel context.CancelFunc
	if ex.cfg.PerCallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, ex.cfg.PerCallTimeout)
		defer cancel()
	}

	resp, err := adapter.Execute(callCtx, action)
	if err != nil {
		if ex.log != nil {
			ex.log.WithFields(map[string]interface{}{"provider": provider, "action_id": action.ID}).
				WithError(err).Warn("provider execution failed")
		}
		return nil, err
	}
	return resp, nil
}
