package rules

import (
	"context"
	"sync"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/pkg/core"
)

// Registry multiplexes one Evaluator per namespace, so the Orchestrator
// depends on a single collaborator rather than threading a namespace->
// Evaluator map through every call site.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]*Evaluator
	newEval    func() (*Evaluator, error)
}

// NewRegistry constructs a Registry; newEval builds a fresh, empty Evaluator
// for a namespace seen for the first time (e.g. wiring in the shared
// EventReader and logger).
func NewRegistry(newEval func() (*Evaluator, error)) *Registry {
	return &Registry{evaluators: make(map[string]*Evaluator), newEval: newEval}
}

func (r *Registry) evaluatorFor(namespace string) (*Evaluator, error) {
	r.mu.RLock()
	ev, ok := r.evaluators[namespace]
	r.mu.RUnlock()
	if ok {
		return ev, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.evaluators[namespace]; ok {
		return ev, nil
	}
	ev, err := r.newEval()
	if err != nil {
		return nil, err
	}
	r.evaluators[namespace] = ev
	return ev, nil
}

// Reload replaces the RuleSet for one namespace (rule_admin::reload).
func (r *Registry) Reload(namespace string, rs *core.RuleSet) error {
	ev, err := r.evaluatorFor(namespace)
	if err != nil {
		return err
	}
	ev.Reload(rs)
	return nil
}

// SetEnabled flips one rule's Enabled flag in place and re-publishes the
// snapshot (rule_admin::set_enabled). Returns errors.CodeInvalidAction if
// the rule is not found.
func (r *Registry) SetEnabled(namespace, name string, enabled bool) error {
	ev, err := r.evaluatorFor(namespace)
	if err != nil {
		return err
	}
	snap := ev.Snapshot()
	for _, rule := range snap.Rules {
		if rule.Name == name {
			rule.Enabled = enabled
			ev.Reload(snap)
			return nil
		}
	}
	return errors.InvalidAction("rule not found: " + name)
}

// List returns the active RuleSet for a namespace (rule_admin::list).
func (r *Registry) List(namespace string) (*core.RuleSet, error) {
	ev, err := r.evaluatorFor(namespace)
	if err != nil {
		return nil, err
	}
	return ev.Snapshot(), nil
}

// Evaluate runs the named namespace's rule pipeline.
func (r *Registry) Evaluate(ctx context.Context, namespace string, action *core.Action, opts EvalOptions) (*EvalResult, error) {
	ev, err := r.evaluatorFor(namespace)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(ctx, action, opts)
}
