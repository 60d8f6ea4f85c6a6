// Package core holds the data model shared by every Acteon component:
// Action, Outcome, Verdict, and the newtyped identifiers that tie them
// together (spec.md §3).
package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh UUID-equivalent identifier, used for Action IDs,
// ChainInstance IDs, and lock tokens alike.
func NewID() string {
	return uuid.NewString()
}

// Value is a JSON-like structured tree: scalar | list | map, matching the
// payload value model described in spec.md §3 and §4.2.
type Value = interface{}

// Payload is the structured tree carried by an Action.
type Payload map[string]Value

// Metadata carries free-form string labels attached to an Action.
type Metadata struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// Action is the unit of work accepted by the gateway.
//
// Invariants (spec.md §3): once accepted, ID/Namespace/Tenant/CreatedAt are
// immutable; Payload may only be replaced via an explicit Modify verdict
// from a rule, during the pipeline's Evaluated phase.
type Action struct {
	ID         string    `json:"id"`
	Namespace  string    `json:"namespace"`
	Tenant     string    `json:"tenant"`
	Provider   string    `json:"provider"`
	ActionType string    `json:"action_type"`
	Payload    Payload   `json:"payload"`
	DedupKey   string    `json:"dedup_key,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartsAt   time.Time `json:"starts_at,omitempty"`
}

// Clone returns a deep-enough copy of the Action for payload mutation by the
// Rule Evaluator: everything that a rule's Modify effect may replace is
// copied, identity fields are shared by value (strings are immutable).
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Payload = clonePayload(a.Payload)
	if a.Metadata.Labels != nil {
		clone.Metadata.Labels = make(map[string]string, len(a.Metadata.Labels))
		for k, v := range a.Metadata.Labels {
			clone.Metadata.Labels[k] = v
		}
	}
	return &clone
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case map[string]Value:
		return clonePayload(val)
	case Payload:
		return clonePayload(val)
	case []Value:
		out := make([]Value, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
