// Package rules implements the Rule Evaluator (spec.md §4.2): priority-ordered,
// first-match-wins condition evaluation over an Action, producing a Verdict,
// with a trace/dry-run mode that evaluates every rule and records a per-rule
// trace entry.
//
// Grounded on the teacher's infrastructure/state.PersistentState for the
// atomic-snapshot-swap hot-reload idiom, and on infrastructure/resilience's
// preference for small, focused structs over a generic rule-engine
// abstraction.
package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
)

// EventReader is the subset of the Store the Rule Evaluator's expression
// calls depend on (has_active_event, get_event_state, event_in_state). It is
// satisfied by *state.MemoryStore and *state.RedisStore without either
// package importing this one.
type EventReader interface {
	LoadEvent(ctx context.Context, namespace, tenant, stateMachine, fingerprint string) (*core.EventRecord, error)
}

// TraceEntry records one rule's evaluation in evaluate_all mode (spec.md §4.2.3).
type TraceEntry struct {
	Name             string
	Priority         int
	Enabled          bool
	ConditionDisplay string
	Result           TraceResult
	SkipReason       string
	DurationMicros   int64
	Error            string
}

// TraceResult enumerates the outcome of evaluating one rule in trace mode.
type TraceResult string

const (
	ResultMatched    TraceResult = "matched"
	ResultNotMatched TraceResult = "not_matched"
	ResultSkipped    TraceResult = "skipped"
)

// EvalOptions parameterizes one Evaluate call.
type EvalOptions struct {
	EvaluateAll bool
	// IncludeDisabled makes disabled rules eligible to match (rule_admin
	// ::evaluate's include_disabled knob, spec.md §6) instead of being
	// unconditionally skipped; used to preview the effect of re-enabling a
	// rule before flipping it live via set_enabled.
	IncludeDisabled bool
	// TenantTimezone overrides UTC for the time context (Open Question (a),
	// decided UTC-by-default in SPEC_FULL.md §5).
	TenantTimezone *time.Location
}

// EvalResult is the outcome of one Evaluate call.
type EvalResult struct {
	Verdict     core.Verdict
	FinalAction *core.Action
	Trace       []TraceEntry
}

// Evaluator holds a hot-reloadable snapshot of a namespace's RuleSet plus the
// shared expression engine and regex cache.
type Evaluator struct {
	snapshot atomic.Pointer[core.RuleSet]
	engine   *Engine
	log      *logging.Logger
}

// MaxModifyPasses bounds Modify-effect cascades (spec.md §4.4).
const MaxModifyPasses = 8

// NewEvaluator constructs an Evaluator for one namespace, with no rules
// loaded until the first Reload.
func NewEvaluator(eventReader EventReader, log *logging.Logger) (*Evaluator, error) {
	regexCache, err := lru.New[string, *compiledRegex](256)
	if err != nil {
		return nil, errors.Internal(err)
	}
	engine, err := NewEngine(eventReader, regexCache)
	if err != nil {
		return nil, err
	}
	e := &Evaluator{engine: engine, log: log}
	e.snapshot.Store(&core.RuleSet{})
	return e, nil
}

// Reload atomically swaps in a new, priority-sorted RuleSet. In-flight
// Evaluate calls continue to observe their original snapshot (spec.md §4.2
// "Hot reload").
func (e *Evaluator) Reload(rs *core.RuleSet) {
	sorted := make([]*core.Rule, len(rs.Rules))
	copy(sorted, rs.Rules)
	sortRulesByPriority(sorted)
	next := &core.RuleSet{Namespace: rs.Namespace, Rules: sorted, Version: rs.Version}
	e.snapshot.Store(next)
}

func sortRulesByPriority(rules []*core.Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

// Snapshot returns the currently active RuleSet (for admin rule::list).
func (e *Evaluator) Snapshot() *core.RuleSet {
	return e.snapshot.Load()
}

// Evaluate runs the rule pipeline against action (spec.md §4.2), returning
// the winning Verdict and, if EvaluateAll is set, a full per-rule trace.
func (e *Evaluator) Evaluate(ctx context.Context, action *core.Action, opts EvalOptions) (*EvalResult, error) {
	rs := e.snapshot.Load()
	loc := opts.TenantTimezone
	if loc == nil {
		loc = time.UTC
	}

	current := action
	result := &EvalResult{}
	var winner *core.Verdict
	modifyPasses := 0

restart:
	for _, rule := range rs.Rules {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if winner != nil && !opts.EvaluateAll {
			break
		}

		start := time.Now()
		entry := TraceEntry{
			Name:             rule.Name,
			Priority:         rule.Priority,
			Enabled:          rule.Enabled,
			ConditionDisplay: displayCondition(rule.Condition),
		}

		if !rule.Enabled && !opts.IncludeDisabled {
			entry.Result = ResultSkipped
			entry.SkipReason = "disabled"
			entry.DurationMicros = time.Since(start).Microseconds()
			if opts.EvaluateAll {
				result.Trace = append(result.Trace, entry)
			}
			continue
		}

		evalCtx := newEvalContext(current, loc)
		matched, err := e.engine.EvaluateCondition(ctx, rule.Condition, evalCtx)
		entry.DurationMicros = time.Since(start).Microseconds()
		if err != nil {
			entry.Result = ResultSkipped
			entry.Error = err.Error()
			if opts.EvaluateAll {
				result.Trace = append(result.Trace, entry)
			}
			if e.log != nil {
				e.log.WithFields(map[string]interface{}{"rule": rule.Name, "error": err}).Warn("rule condition raised, skipping")
			}
			continue
		}

		if !matched {
			entry.Result = ResultNotMatched
			if opts.EvaluateAll {
				result.Trace = append(result.Trace, entry)
			}
			continue
		}

		entry.Result = ResultMatched
		if opts.EvaluateAll {
			result.Trace = append(result.Trace, entry)
		}

		if winner == nil {
			v := rule.Effect.Verdict
			v.Rule = rule.Name
			v.StateMachine = rule.Effect.StateMachine
			winner = &v
		}

		if rule.Effect.Verdict.Kind == core.VerdictModify {
			modifyPasses++
			if modifyPasses > MaxModifyPasses {
				return nil, errors.ConfigError(fmt.Sprintf("rule %q: exceeded max_modify_passes (%d)", rule.Name, MaxModifyPasses))
			}
			next := current.Clone()
			next.Payload = rule.Effect.Verdict.NewPayload
			current = next
			if !opts.EvaluateAll {
				winner = nil
				goto restart
			}
		}
	}

	if winner == nil {
		allow := core.Allow(core.DefaultAllowRule)
		winner = &allow
	}

	result.Verdict = *winner
	result.FinalAction = current
	return result, nil
}

func displayCondition(c *core.CondTree) string {
	if c == nil {
		return "<always>"
	}
	switch {
	case c.CEL != "":
		return "cel:" + c.CEL
	case c.Call != "":
		return fmt.Sprintf("call(%s)", c.Call)
	case len(c.All) > 0:
		return "all(...)"
	case len(c.Any) > 0:
		return "any(...)"
	case c.Not != nil:
		return "not(...)"
	default:
		return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
	}
}
