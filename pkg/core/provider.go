package core

import "context"

// ProviderAdapter is the abstract collaborator the Executor dispatches
// executed Actions to (spec.md §1, §4.3). Concrete adapters (HTTP webhook,
// message queue producer, ...) are out of scope; the gateway depends only on
// this contract.
type ProviderAdapter interface {
	// Name returns the provider's registry key.
	Name() string

	// Execute performs one dispatch attempt. Implementations return a
	// *errors.GatewayError (see internal/errors) for failures so the
	// Executor's retry/circuit-breaker logic can classify them; a non-nil
	// ProviderResponse with a non-2xx Status is itself not an error, it is
	// left for the caller to interpret per-provider.
	Execute(ctx context.Context, action *Action) (*ProviderResponse, error)
}

// ProviderHealth is a point-in-time health snapshot for a registered
// provider, exposed to admin/observability callers (spec.md §4.3's circuit
// breaker state plus the supplemented health-monitor feature).
type ProviderHealth struct {
	Name           string  `json:"name"`
	CircuitState   string  `json:"circuit_state"`
	SuccessRate    float64 `json:"success_rate"`
	InFlight       int     `json:"in_flight"`
	LastErrorKind  string  `json:"last_error_kind,omitempty"`
}
