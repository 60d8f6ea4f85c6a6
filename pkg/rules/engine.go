package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/pkg/core"
)

type compiledRegex struct {
	re *regexp.Regexp
}

// Engine evaluates CondTree nodes and standalone key/scope expressions. It
// is shared (read-only after construction, safe for concurrent use) across
// every Evaluator in the process.
type Engine struct {
	eventReader EventReader
	regexCache  *lru.Cache[string, *compiledRegex]
	celPrograms *lru.Cache[string, *goja.Program]
	gvalLang    gval.Language
}

// NewEngine builds the shared expression engine. eventReader may be nil for
// evaluators that never reference has_active_event/get_event_state/
// event_in_state (e.g. unit tests of pure condition logic).
func NewEngine(eventReader EventReader, regexCache *lru.Cache[string, *compiledRegex]) (*Engine, error) {
	celCache, err := lru.New[string, *goja.Program](128)
	if err != nil {
		return nil, errors.Internal(err)
	}
	e := &Engine{eventReader: eventReader, regexCache: regexCache, celPrograms: celCache}
	e.gvalLang = gval.Full(
		gval.Function("upper", strings.ToUpper),
		gval.Function("lower", strings.ToLower),
		gval.Function("len", func(v interface{}) int { return valueLen(v) }),
		gval.Function("contains", func(s, sub string) bool { return strings.Contains(s, sub) }),
		gval.Function("starts_with", func(s, prefix string) bool { return strings.HasPrefix(s, prefix) }),
	)
	return e, nil
}

// NewDefaultEngine builds an Engine with its own internally-sized regex
// cache, for callers outside pkg/rules that need condition/key-expression
// evaluation without constructing a full Evaluator (e.g. pkg/eventsm's
// transition matching). Evaluator.NewEvaluator uses the same cache sizing
// internally; prefer sharing one Engine across an Evaluator and callers
// like eventsm where possible rather than calling this more than once per
// namespace.
func NewDefaultEngine(eventReader EventReader) (*Engine, error) {
	regexCache, err := lru.New[string, *compiledRegex](256)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return NewEngine(eventReader, regexCache)
}

func valueLen(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []interface{}:
		return len(t)
	case map[string]interface{}:
		return len(t)
	default:
		return 0
	}
}

// EvalKeyExpr evaluates a gval expression against the action's payload
// (plus namespace/tenant/provider/action_type), used for Group key
// expressions (spec.md §4.6). The result is rendered to a stable string.
// Throttle scopes do not go through it: the Orchestrator uses a Throttle
// verdict's scope string verbatim as the counter key. Event State-Machine
// fingerprints do not either: eventsm reads the named fields directly.
func (e *Engine) EvalKeyExpr(exprStr string, action *core.Action) (string, error) {
	eval, err := e.gvalLang.NewEvaluable(exprStr)
	if err != nil {
		return "", errors.ConfigError(fmt.Sprintf("invalid key expression %q: %v", exprStr, err))
	}
	params := gvalParams(action)
	result, err := eval(context.Background(), params)
	if err != nil {
		return "", errors.ConfigError(fmt.Sprintf("key expression %q raised: %v", exprStr, err))
	}
	return fmt.Sprint(result), nil
}

func gvalParams(action *core.Action) map[string]interface{} {
	return map[string]interface{}{
		"namespace":   action.Namespace,
		"tenant":      action.Tenant,
		"provider":    action.Provider,
		"action_type": action.ActionType,
		"payload":     map[string]interface{}(action.Payload),
	}
}

// EvaluateActionCondition builds a fresh evaluation context for action and
// evaluates c against it, for callers outside pkg/rules that need condition
// matching without a full rule evaluation pass (the Event State-Machine
// Runtime's transition matching, spec.md §4.7 step 2).
func (e *Engine) EvaluateActionCondition(ctx context.Context, c *core.CondTree, action *core.Action, loc *time.Location) (bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	return e.EvaluateCondition(ctx, c, newEvalContext(action, loc))
}

// EvaluateCondition walks a CondTree and reports whether it matches ec
// (spec.md §4.2 operator/call/CEL semantics). A raised error causes the
// enclosing rule to be skipped by the caller (Evaluator.Evaluate).
func (e *Engine) EvaluateCondition(ctx context.Context, c *core.CondTree, ec *evalContext) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			ok, err := e.EvaluateCondition(ctx, child, ec)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for _, child := range c.Any {
			ok, err := e.EvaluateCondition(ctx, child, ec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := e.EvaluateCondition(ctx, c.Not, ec)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case c.CEL != "":
		return e.evalCEL(c.CEL, ec)
	case c.Call != "":
		return e.evalCall(ctx, c.Call, c.CallArgs, ec)
	default:
		return e.evalLeaf(c, ec)
	}
}

func (e *Engine) evalLeaf(c *core.CondTree, ec *evalContext) (bool, error) {
	lhs, present := readField(c.Field, ec)

	switch c.Op {
	case core.OpExists:
		truthy, ok := c.Value.(bool)
		want := !ok || truthy
		return present == want, nil
	case core.OpEq:
		return present && valuesEqual(lhs, c.Value), nil
	case core.OpNeq:
		return !present || !valuesEqual(lhs, c.Value), nil
	case core.OpIn:
		if !present {
			return false, nil
		}
		list, ok := c.Value.([]interface{})
		if !ok {
			return false, errors.ConfigError(fmt.Sprintf("in operator requires a list RHS for field %q", c.Field))
		}
		for _, item := range list {
			if valuesEqual(lhs, item) {
				return true, nil
			}
		}
		return false, nil
	case core.OpLt, core.OpLte, core.OpGt, core.OpGte:
		if !present {
			return false, nil
		}
		return compareOrdered(lhs, c.Value, c.Op)
	case core.OpStartsWith:
		ls, lok := lhs.(string)
		rs, rok := c.Value.(string)
		return present && lok && rok && strings.HasPrefix(ls, rs), nil
	case core.OpContains:
		ls, lok := lhs.(string)
		rs, rok := c.Value.(string)
		return present && lok && rok && strings.Contains(ls, rs), nil
	case core.OpMatches:
		ls, lok := lhs.(string)
		rs, rok := c.Value.(string)
		if !present || !lok || !rok {
			return false, nil
		}
		re, err := e.compileRegex(rs)
		if err != nil {
			return false, err
		}
		return re.MatchString(ls), nil
	default:
		return false, errors.ConfigError(fmt.Sprintf("unknown condition operator %q", c.Op))
	}
}

func (e *Engine) compileRegex(pattern string) (*regexp.Regexp, error) {
	if e.regexCache != nil {
		if cached, ok := e.regexCache.Get(pattern); ok {
			return cached.re, nil
		}
	}
	anchored := pattern
	if !strings.HasPrefix(anchored, "^") {
		anchored = "^" + anchored
	}
	if !strings.HasSuffix(anchored, "$") {
		anchored = anchored + "$"
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid regex %q: %v", pattern, err))
	}
	if e.regexCache != nil {
		e.regexCache.Add(pattern, &compiledRegex{re: re})
	}
	return re, nil
}

// readField resolves a dotted field path. The action attributes
// namespace, tenant, provider, action_type and dedup_key are read from the
// action, with or without an "action." prefix; "time.*" and "env.*" read
// from the rest of the evaluation context; "payload.X" and any other bare
// field name read from the action's JSON-encoded payload via gjson.
func readField(field string, ec *evalContext) (interface{}, bool) {
	switch field {
	case "action.namespace", "namespace":
		return ec.action.Namespace, true
	case "action.tenant", "tenant":
		return ec.action.Tenant, true
	case "action.provider", "provider":
		return ec.action.Provider, true
	case "action.action_type", "action_type":
		return ec.action.ActionType, true
	case "action.dedup_key", "dedup_key":
		if ec.action.DedupKey == "" {
			return nil, false
		}
		return ec.action.DedupKey, true
	case "time.hour":
		return ec.hour, true
	case "time.minute":
		return ec.minute, true
	case "time.weekday":
		return ec.weekday, true
	case "time.timestamp":
		return ec.timestamp, true
	}
	if strings.HasPrefix(field, "env.") {
		v, ok := ec.env[strings.TrimPrefix(field, "env.")]
		return v, ok
	}
	path := field
	path = strings.TrimPrefix(path, "payload.")
	path = strings.TrimPrefix(path, "action.payload.")
	result := gjson.GetBytes(ec.payloadJS, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json_Number:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	}
	return 0, false
}

// json_Number avoids importing encoding/json solely for its Number alias
// here; gjson.Value() never actually produces it (it returns float64), but
// the case is kept for forward compatibility with custom JSON decoders.
type json_Number string

func compareOrdered(lhs, rhs interface{}, op core.CondOp) (bool, error) {
	if lf, lok := toFloat(lhs); lok {
		if rf, rok := toFloat(rhs); rok {
			return applyOrder(lf, rf, op), nil
		}
	}
	if lt, lok := lhs.(string); lok {
		if rt, rok := rhs.(string); rok {
			if lts, err := time.Parse(time.RFC3339, lt); err == nil {
				if rts, err := time.Parse(time.RFC3339, rt); err == nil {
					return applyOrder(float64(lts.UnixNano()), float64(rts.UnixNano()), op), nil
				}
			}
			return applyOrder(float64(strings.Compare(lt, rt)), 0, op), nil
		}
	}
	return false, nil
}

func applyOrder(l, r float64, op core.CondOp) bool {
	switch op {
	case core.OpLt:
		return l < r
	case core.OpLte:
		return l <= r
	case core.OpGt:
		return l > r
	case core.OpGte:
		return l >= r
	}
	return false
}

// evalCall dispatches the bounded, deterministic, side-effect-free function
// table (spec.md §4.2 "Expression calls").
func (e *Engine) evalCall(ctx context.Context, fn string, args []core.Value, ec *evalContext) (bool, error) {
	switch fn {
	case "has_active_event":
		if len(args) < 1 {
			return false, errors.ConfigError("has_active_event requires an event_type argument")
		}
		return e.hasActiveEvent(ctx, ec, fmt.Sprint(args[0]))
	case "event_in_state":
		if len(args) < 2 {
			return false, errors.ConfigError("event_in_state requires (fingerprint, state)")
		}
		rec, err := e.loadEvent(ctx, ec, fmt.Sprint(args[0]))
		if err != nil {
			return false, err
		}
		if rec == nil {
			return false, nil
		}
		return string(rec.State) == fmt.Sprint(args[1]), nil
	case "regex":
		if len(args) < 2 {
			return false, errors.ConfigError("regex requires (value, pattern)")
		}
		re, err := e.compileRegex(fmt.Sprint(args[1]))
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(args[0])), nil
	default:
		return false, errors.ConfigError(fmt.Sprintf("unknown call %q", fn))
	}
}

func (e *Engine) hasActiveEvent(ctx context.Context, ec *evalContext, eventType string) (bool, error) {
	rec, err := e.loadEvent(ctx, ec, eventType)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (e *Engine) loadEvent(ctx context.Context, ec *evalContext, fingerprint string) (*core.EventRecord, error) {
	if e.eventReader == nil {
		return nil, errors.ConfigError("event queries unavailable: evaluator has no event reader")
	}
	rec, err := e.eventReader.LoadEvent(ctx, ec.action.Namespace, ec.action.Tenant, "", fingerprint)
	if err == nil {
		return rec, nil
	}
	if ge := errors.As(err); ge != nil && ge.Code != "" {
		// Treat "not found" (not a GatewayError) distinctly below.
	}
	// A plain "not found" sentinel (state.ErrNotFound) is not a GatewayError;
	// any other error is a genuine failure the rule should be skipped for.
	if err.Error() == "state: not found" {
		return nil, nil
	}
	return nil, err
}

// getEventState resolves the event_in_state helper's "get_event_state"
// sibling named in spec.md §4.2; exposed for callers that need the raw
// state rather than a boolean comparison.
func (e *Engine) getEventState(ctx context.Context, ec *evalContext, fingerprint string) (string, error) {
	rec, err := e.loadEvent(ctx, ec, fingerprint)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	return string(rec.State), nil
}

// evalCEL compiles (once, cached) and runs a rule's "cel"-sourced condition
// as a small Goja predicate: `(function(action, payload, time, env) { return
// <expr>; })`. This is the escape hatch for conditions gval's grammar can't
// express (spec.md SPEC_FULL.md §3).
func (e *Engine) evalCEL(source string, ec *evalContext) (bool, error) {
	program, ok := e.celPrograms.Get(source)
	if !ok {
		wrapped := "(function(action, payload, time, env) { return (" + source + "); })"
		compiled, err := goja.Compile("rule-condition", wrapped, true)
		if err != nil {
			return false, errors.ConfigError(fmt.Sprintf("invalid cel expression: %v", err))
		}
		program = compiled
		e.celPrograms.Add(source, program)
	}

	vm := goja.New()
	ctx := context.Background()
	vm.Set("has_active_event", func(eventType string) bool {
		ok, _ := e.hasActiveEvent(ctx, ec, eventType)
		return ok
	})
	vm.Set("get_event_state", func(fingerprint string) string {
		state, _ := e.getEventState(ctx, ec, fingerprint)
		return state
	})
	vm.Set("event_in_state", func(fingerprint, state string) bool {
		got, _ := e.getEventState(ctx, ec, fingerprint)
		return got == state
	})
	val, err := vm.RunProgram(program)
	if err != nil {
		return false, errors.ConfigError(fmt.Sprintf("cel compile raised: %v", err))
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return false, errors.ConfigError("cel expression did not produce a callable predicate")
	}

	var payload interface{} = map[string]interface{}(ec.action.Payload)
	actionObj := map[string]interface{}{
		"namespace":   ec.action.Namespace,
		"tenant":      ec.action.Tenant,
		"provider":    ec.action.Provider,
		"action_type": ec.action.ActionType,
	}
	timeObj := map[string]interface{}{
		"hour": ec.hour, "minute": ec.minute, "weekday": ec.weekday, "timestamp": ec.timestamp,
	}
	envObj := make(map[string]interface{}, len(ec.env))
	for k, v := range ec.env {
		envObj[k] = v
	}

	result, err := fn(goja.Undefined(),
		vm.ToValue(actionObj), vm.ToValue(payload), vm.ToValue(timeObj), vm.ToValue(envObj))
	if err != nil {
		return false, errors.ConfigError(fmt.Sprintf("cel expression raised: %v", err))
	}
	return result.ToBoolean(), nil
}

// sortStrings sorts ss in place and returns it; nothing in this package
// calls it at present.
func sortStrings(ss []string) []string {
	sort.Strings(ss)
	return ss
}
