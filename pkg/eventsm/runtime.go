package eventsm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/tidwall/gjson"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

// maxHistory bounds the transition history kept in an EventRecord's Context
// (spec.md §4.7 step 2 "push onto a bounded transition history").
const maxHistory = 20

// maxSweepCascade bounds how many chained timeout transitions a single
// sweep pass applies to one record, avoiding starvation when a chain of
// zero-duration timeouts would otherwise spin forever (spec.md §4.7
// "bounded by a small transition-per-sweep cap").
const maxSweepCascade = 8

// lockTTL bounds how long the per-fingerprint lock is held while a
// transition or sweep is applied.
const lockTTL = 10 * time.Second

// Runtime evaluates StateMachine effects and sweeps timeout-driven
// transitions (spec.md §4.7).
type Runtime struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	store  state.Store
	engine *rules.Engine
	log    *logging.Logger
}

// New constructs a Runtime. engine is used only for Transition.Match
// evaluation; it may be the same shared Engine the Rule Evaluator uses.
func New(store state.Store, engine *rules.Engine, log *logging.Logger) *Runtime {
	return &Runtime{defs: make(map[string]*Definition), store: store, engine: engine, log: log}
}

// Register installs a state-machine definition, replacing any existing
// definition of the same name. Definitions are expected to be loaded at
// startup/reload time, analogous to rule-set reload.
func (r *Runtime) Register(def *Definition) error {
	if def.Name == "" {
		return errors.ConfigError("state machine definition requires a name")
	}
	if !def.hasState(def.InitialState) {
		return errors.ConfigError(fmt.Sprintf("state machine %q: initial_state %q is not in states[]", def.Name, def.InitialState))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

func (r *Runtime) definition(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, errors.ConfigError(fmt.Sprintf("unknown state machine %q", name))
	}
	return def, nil
}

func lockKey(namespace, tenant, sm, fingerprint string) string {
	return namespace + "/" + tenant + "/" + sm + "/" + fingerprint
}

// Fingerprint computes spec.md §4.7's stable_hash(selected_fields_of(action))
// over the fields named by effect.FingerprintFields.
func Fingerprint(action *core.Action, fields []string) string {
	parts := make([]string, len(fields))
	raw, _ := json.Marshal(action.Payload)
	for i, f := range fields {
		parts[i] = readField(action, raw, f)
	}
	joined := strings.Join(parts, "\x1f")
	sum := blake2b.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func readField(action *core.Action, payloadJSON []byte, field string) string {
	switch field {
	case "namespace":
		return action.Namespace
	case "tenant":
		return action.Tenant
	case "provider":
		return action.Provider
	case "action_type":
		return action.ActionType
	case "dedup_key":
		return action.DedupKey
	}
	path := strings.TrimPrefix(field, "payload.")
	path = strings.TrimPrefix(path, "action.payload.")
	res := gjson.GetBytes(payloadJSON, path)
	return res.String()
}

// Apply implements spec.md §4.7 step 2-3: compute the fingerprint, load or
// create the EventRecord under the per-fingerprint lock, determine and
// apply the transition the incoming action implies (or a self-loop refresh
// if none of the definition's transitions match), and persist.
func (r *Runtime) Apply(ctx context.Context, action *core.Action, effect *core.StateMachineEffect) (*core.EventRecord, error) {
	def, err := r.definition(effect.Name)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(action, effect.FingerprintFields)

	lock, err := r.store.AcquireLock(ctx, "event", lockKey(action.Namespace, action.Tenant, def.Name, fp), lockTTL)
	if err != nil {
		return nil, err
	}
	defer r.store.ReleaseLock(ctx, lock)

	rec, err := r.store.LoadEvent(ctx, action.Namespace, action.Tenant, def.Name, fp)
	if err == state.ErrNotFound {
		rec = &core.EventRecord{
			Namespace:    action.Namespace,
			Tenant:       action.Tenant,
			StateMachine: def.Name,
			Fingerprint:  fp,
			State:        def.InitialState,
			Context:      map[string]core.Value{},
		}
	} else if err != nil {
		return nil, err
	}

	next := r.resolveTransition(ctx, def, rec.State, action)
	now := time.Now()
	rec.State = next
	rec.EnteredAt = now
	rec.LastActionID = action.ID
	appendHistory(rec, next, now)
	if t, ok := def.timeoutFor(next); ok {
		rec.TimeoutAt = now.Add(time.Duration(t.After) * time.Second)
	} else {
		rec.TimeoutAt = time.Time{}
	}

	if err := r.store.StoreEvent(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// resolveTransition picks the first transition out of current whose Match
// succeeds against action, or current itself (self-loop refresh) if none
// match.
func (r *Runtime) resolveTransition(ctx context.Context, def *Definition, current core.EventState, action *core.Action) core.EventState {
	for _, t := range def.Transitions {
		if t.From != current {
			continue
		}
		if t.Match == nil {
			return t.To
		}
		ok, err := r.engine.EvaluateActionCondition(ctx, t.Match, action, time.UTC)
		if err != nil {
			if r.log != nil {
				r.log.WithFields(map[string]interface{}{"state_machine": def.Name}).WithError(err).Warn("transition match raised, skipping")
			}
			continue
		}
		if ok {
			return t.To
		}
	}
	return current
}

func appendHistory(rec *core.EventRecord, state core.EventState, at time.Time) {
	raw, _ := rec.Context["history"].([]core.Value)
	raw = append(raw, map[string]core.Value{"state": string(state), "at": at.Format(time.RFC3339Nano)})
	if len(raw) > maxHistory {
		raw = raw[len(raw)-maxHistory:]
	}
	if rec.Context == nil {
		rec.Context = map[string]core.Value{}
	}
	rec.Context["history"] = raw
}

// Sweep runs one pass of the background timeout sweeper (spec.md §4.7
// "A background timeout sweeper scans records whose timeout_deadline ≤
// now..."): it applies each due record's configured timeout transition,
// cascading into further timeouts on the new state up to maxSweepCascade.
func (r *Runtime) Sweep(ctx context.Context, namespace string) {
	due, err := r.store.DueEvents(ctx, namespace, time.Now())
	if err != nil {
		if r.log != nil {
			r.log.WithFields(map[string]interface{}{"namespace": namespace}).WithError(err).Warn("due_events failed")
		}
		return
	}
	for _, rec := range due {
		r.sweepOne(ctx, rec)
	}
}

func (r *Runtime) sweepOne(ctx context.Context, rec *core.EventRecord) {
	def, err := r.definition(rec.StateMachine)
	if err != nil {
		return
	}

	lock, err := r.store.AcquireLock(ctx, "event", lockKey(rec.Namespace, rec.Tenant, def.Name, rec.Fingerprint), lockTTL)
	if err != nil {
		return // another worker already owns this fingerprint
	}
	defer r.store.ReleaseLock(ctx, lock)

	cur, err := r.store.LoadEvent(ctx, rec.Namespace, rec.Tenant, def.Name, rec.Fingerprint)
	if err != nil {
		return
	}

	now := time.Now()
	changed := false
	for i := 0; i < maxSweepCascade; i++ {
		if cur.TimeoutAt.IsZero() || cur.TimeoutAt.After(now) {
			break
		}
		t, ok := def.timeoutFor(cur.State)
		if !ok {
			cur.TimeoutAt = time.Time{}
			changed = true
			break
		}
		cur.State = t.TransitionTo
		cur.EnteredAt = now
		appendHistory(cur, t.TransitionTo, now)
		if nt, ok := def.timeoutFor(t.TransitionTo); ok {
			cur.TimeoutAt = now.Add(time.Duration(nt.After) * time.Second)
		} else {
			cur.TimeoutAt = time.Time{}
		}
		changed = true
	}

	if changed {
		_ = r.store.StoreEvent(ctx, cur)
	}
}

// Get backs the events::get(fp) admin surface (spec.md §6).
func (r *Runtime) Get(ctx context.Context, namespace, tenant, stateMachine, fingerprint string) (*core.EventRecord, error) {
	return r.store.LoadEvent(ctx, namespace, tenant, stateMachine, fingerprint)
}

// List backs the events::list(ns,tenant,status?) admin surface (spec.md §3
// scopes a fingerprint per-(namespace,tenant,fingerprint), so List filters
// on both); status, if non-empty, further narrows to records currently in
// that state. tenant empty lists across all tenants in the namespace.
func (r *Runtime) List(ctx context.Context, namespace, tenant string, status core.EventState) ([]*core.EventRecord, error) {
	return r.store.ListEvents(ctx, namespace, tenant, status)
}

// Transition backs the events::transition(fp, to_state) admin surface
// (spec.md §6): an operator-forced transition, bypassing the configured
// Transition table but still subject to the per-fingerprint lock and the
// target state being a member of the definition's states.
func (r *Runtime) Transition(ctx context.Context, namespace, tenant, stateMachine, fingerprint string, to core.EventState) (*core.EventRecord, error) {
	def, err := r.definition(stateMachine)
	if err != nil {
		return nil, err
	}
	if !def.hasState(to) {
		return nil, errors.InvalidAction(fmt.Sprintf("state %q is not a member of state machine %q", to, stateMachine))
	}

	lock, err := r.store.AcquireLock(ctx, "event", lockKey(namespace, tenant, stateMachine, fingerprint), lockTTL)
	if err != nil {
		return nil, err
	}
	defer r.store.ReleaseLock(ctx, lock)

	rec, err := r.store.LoadEvent(ctx, namespace, tenant, stateMachine, fingerprint)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec.State = to
	rec.EnteredAt = now
	appendHistory(rec, to, now)
	if t, ok := def.timeoutFor(to); ok {
		rec.TimeoutAt = now.Add(time.Duration(t.After) * time.Second)
	} else {
		rec.TimeoutAt = time.Time{}
	}

	if err := r.store.StoreEvent(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
