// Package orchestrator implements the Gateway Orchestrator (spec.md §4.4):
// the per-action pipeline state machine that ties dedup, locking, rule
// evaluation, execution, and audit together into the single dispatch(action)
// operation every other external surface is built from.
//
// The teacher has no equivalent single state machine; the pipeline is
// grounded directly on spec.md §4.4's Received→DedupCheck→Locked→Evaluated
// diagram. Its lock-then-load-modify-store discipline and retry-with-bound
// idiom mirror pkg/groups.Batcher and pkg/resilience.Retry, already used
// throughout the rest of this module.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/internal/eventbus"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/audit"
	"github.com/acteon/gateway/pkg/chains"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/eventsm"
	"github.com/acteon/gateway/pkg/executor"
	"github.com/acteon/gateway/pkg/groups"
	"github.com/acteon/gateway/pkg/resilience"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

// DispatchOptions parameterizes one dispatch call (spec.md §6 "dispatch(action, {dry_run})").
type DispatchOptions struct {
	DryRun bool
	// IncludeDisabled/EvaluateAll only apply to rule_admin::evaluate; they
	// are passed through to the Rule Evaluator's EvalOptions.
	EvaluateAll     bool
	IncludeDisabled bool
}

// Config parameterizes pipeline-wide knobs (spec.md §4.4).
type Config struct {
	LockTTL              time.Duration
	PreExecutionRetry     resilience.RetryConfig
	MaxPayloadBytes       int
	StorePayload          bool
	Redactor              Redactor
}

// Redactor is the narrow capability Audit needs to scrub a payload before
// serialization; *redaction.Redactor satisfies it directly. It is kept as
// an interface here so pkg/orchestrator never imports
// infrastructure/redaction directly.
type Redactor interface {
	RedactMap(m map[string]interface{}) map[string]interface{}
}

// DefaultConfig sizes the lock TTL per spec.md §4.4: "≥ executor worst-case
// timeout × (max_retries+1) + audit write budget".
func DefaultConfig() Config {
	executorWorstCase := 10 * time.Second
	maxRetries := 3
	auditBudget := 2 * time.Second
	return Config{
		LockTTL:           time.Duration(maxRetries+1)*executorWorstCase + auditBudget,
		PreExecutionRetry: resilience.RetryConfig{MaxRetries: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.2},
		MaxPayloadBytes:   1 << 20,
		StorePayload:      true,
	}
}

// Orchestrator is the Gateway Orchestrator (spec.md §4.4).
type Orchestrator struct {
	cfg     Config
	store   state.Store
	rules   *rules.Registry
	exec    *executor.Executor
	groups  *groups.Batcher
	events  *eventsm.Runtime
	chains  *chains.Runner
	auditor *audit.Recorder
	bus     *eventbus.Bus
	log     *logging.Logger
}

// New wires an Orchestrator from its collaborators. Any of groups/events/
// chains may be nil, disabling the corresponding verdict branch (a rule
// producing that verdict yields Failed(ConfigError) instead of panicking).
func New(cfg Config, store state.Store, registry *rules.Registry, exec *executor.Executor, batcher *groups.Batcher, events *eventsm.Runtime, runner *chains.Runner, auditor *audit.Recorder, bus *eventbus.Bus, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.New("orchestrator", "info", "text")
	}
	return &Orchestrator{
		cfg: cfg, store: store, rules: registry, exec: exec,
		groups: batcher, events: events, chains: runner,
		auditor: auditor, bus: bus, log: log,
	}
}

// BatchResult is one element of dispatch_batch's result array (spec.md §6):
// either Outcome is set, or Err is, never both.
type BatchResult struct {
	Outcome *core.Outcome
	Err     error
}

// DispatchBatch runs Dispatch independently over every action, collecting a
// result per element instead of failing the whole batch on one error.
func (o *Orchestrator) DispatchBatch(ctx context.Context, actions []*core.Action, opts DispatchOptions) []BatchResult {
	results := make([]BatchResult, len(actions))
	for i, action := range actions {
		outcome, err := o.Dispatch(ctx, action, opts)
		if err != nil {
			results[i] = BatchResult{Err: err}
			continue
		}
		results[i] = BatchResult{Outcome: &outcome}
	}
	return results
}

// Dispatch implements spec.md §6 "dispatch(action, {dry_run}) → Outcome",
// running the full Received→DedupCheck→Locked→Evaluated pipeline.
//
// Client-kind errors found by validation (InvalidAction, PayloadTooLarge)
// are returned as an error, per §7's taxonomy; every other path terminates
// in a core.Outcome, including Failed (an unknown provider surfaces as a
// Failed outcome from the Executor).
func (o *Orchestrator) Dispatch(ctx context.Context, action *core.Action, opts DispatchOptions) (outcome core.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			// spec.md §4.4 failure model: "Panic/uncaught error in any
			// component → captured and translated to Failed(Internal); no
			// state corruption because of the lock guarantee."
			outcome = core.Failed(errors.Internal(fmt.Errorf("recovered panic: %v", r)), false)
			o.writeAudit(ctx, action, nil, outcome, "", opts)
		}
	}()

	if verr := validateAction(action, o.cfg.MaxPayloadBytes); verr != nil {
		return core.Outcome{}, verr
	}

	first, dedupErr := o.checkDedup(ctx, action, opts)
	if dedupErr != nil {
		outcome = core.Failed(dedupErr, false)
		o.writeAudit(ctx, action, nil, outcome, "", opts)
		return outcome, nil
	}
	if !first {
		outcome = core.Deduplicated()
		o.writeAudit(ctx, action, nil, outcome, "", opts)
		o.publish(ctx, action, outcome)
		return outcome, nil
	}

	lock, lockErr := o.acquireLockWithRetry(ctx, action, opts)
	if lockErr != nil {
		outcome = core.Failed(lockErr, false)
		o.writeAudit(ctx, action, nil, outcome, "", opts)
		return outcome, nil
	}
	if lock != nil {
		defer o.releaseLock(ctx, lock, opts)
	}

	outcome, matchedRule, verdict := o.evaluateAndRun(ctx, action, opts)
	o.writeAudit(ctx, action, verdict, outcome, matchedRule, opts)
	o.publish(ctx, action, outcome)
	return outcome, nil
}

func validateAction(action *core.Action, maxPayload int) error {
	if action == nil || action.ID == "" || action.Namespace == "" || action.Tenant == "" || action.Provider == "" {
		return errors.InvalidAction("action requires id, namespace, tenant, and provider")
	}
	if maxPayload > 0 {
		if size := approxPayloadSize(action.Payload); size > maxPayload {
			return errors.PayloadTooLarge(size, maxPayload)
		}
	}
	return nil
}

func approxPayloadSize(p core.Payload) int {
	n := 0
	for k, v := range p {
		n += len(k)
		switch val := v.(type) {
		case string:
			n += len(val)
		default:
			n += 8
		}
	}
	return n
}

// checkDedup implements spec.md §4.4's "set_dedup is called before any
// side-effecting step", returning true if this is the first observation of
// the key (or the action carries none).
func (o *Orchestrator) checkDedup(ctx context.Context, action *core.Action, opts DispatchOptions) (bool, error) {
	if action.DedupKey == "" {
		return true, nil
	}
	if opts.DryRun {
		return true, nil
	}
	first, err := o.store.SetDedup(ctx, action.Namespace, action.Tenant, action.DedupKey, 24*time.Hour)
	if err != nil {
		return false, errors.StoreUnavailable("set_dedup", err)
	}
	return first, nil
}

func lockKeyFor(action *core.Action) string {
	if action.DedupKey != "" {
		return action.DedupKey
	}
	return action.ID
}

// acquireLockWithRetry acquires the single-writer lock (spec.md §4.4),
// retrying up to cfg.PreExecutionRetry bound on StoreUnavailable before
// surfacing the failure.
func (o *Orchestrator) acquireLockWithRetry(ctx context.Context, action *core.Action, opts DispatchOptions) (*core.Lock, error) {
	if opts.DryRun {
		return nil, nil
	}
	var lock *core.Lock
	err := resilience.Retry(ctx, o.cfg.PreExecutionRetry, errors.Retryable, func() error {
		l, err := o.store.AcquireLock(ctx, "action", lockKeyFor(action), o.cfg.LockTTL)
		if err != nil {
			return err
		}
		lock = l
		return nil
	})
	return lock, err
}

func (o *Orchestrator) releaseLock(ctx context.Context, lock *core.Lock, opts DispatchOptions) {
	if opts.DryRun || lock == nil {
		return
	}
	if err := o.store.ReleaseLock(ctx, lock); err != nil {
		o.log.WithFields(map[string]interface{}{"lock_key": lock.Key}).WithError(err).Warn("release lock failed")
	}
}

// evaluateAndRun implements the Evaluated phase's branch dispatch (spec.md
// §4.4's diagram). It returns the terminal Outcome, the matched rule name,
// and the winning Verdict (for audit).
func (o *Orchestrator) evaluateAndRun(ctx context.Context, action *core.Action, opts DispatchOptions) (core.Outcome, string, *core.Verdict) {
	result, err := o.rules.Evaluate(ctx, action.Namespace, action, rules.EvalOptions{
		EvaluateAll:     opts.EvaluateAll,
		IncludeDisabled: opts.IncludeDisabled,
	})
	if err != nil {
		return core.Failed(err, errors.Retryable(err)), "", nil
	}
	verdict := result.Verdict
	current := result.FinalAction

	if verdict.StateMachine != nil && o.events != nil && !opts.DryRun {
		if _, smErr := o.events.Apply(ctx, current, verdict.StateMachine); smErr != nil {
			o.log.WithFields(map[string]interface{}{"action_id": current.ID}).WithError(smErr).Warn("state machine transition failed")
		}
	}

	outcome := o.runVerdict(ctx, current, &verdict, opts)
	return outcome, verdict.Rule, &verdict
}

func (o *Orchestrator) runVerdict(ctx context.Context, action *core.Action, v *core.Verdict, opts DispatchOptions) core.Outcome {
	switch v.Kind {
	case core.VerdictSuppress:
		return core.Suppressed(v.Rule)

	case core.VerdictReroute:
		return o.execute(ctx, action, v.NewProvider, opts)

	case core.VerdictThrottle:
		return o.runThrottle(ctx, action, v, opts)

	case core.VerdictGroup:
		return o.runGroup(ctx, action, v, opts)

	case core.VerdictApproval:
		return o.runApproval(ctx, action, v, opts)

	case core.VerdictChain:
		return o.runChain(ctx, action, v, opts)

	case core.VerdictSchedule:
		return o.runSchedule(ctx, action, v, opts)

	case core.VerdictDedup:
		// A Dedup effect with no Group/Approval/etc alongside it behaves as
		// Allow once past checkDedup (the key was already set above).
		fallthrough
	case core.VerdictAllow:
		return o.execute(ctx, action, action.Provider, opts)

	case core.VerdictModify:
		// Modify is resolved entirely inside rules.Evaluator's cascade
		// (spec.md §4.4 "re-enter Evaluated up to N times"); reaching here
		// with a bare Modify verdict means the cascade bottomed out at
		// max_modify_passes without a following terminal verdict, which
		// rules.Evaluator already turns into a ConfigError. Treat
		// defensively as Allow on the final payload.
		return o.execute(ctx, action, action.Provider, opts)

	default:
		return core.Failed(errors.ConfigError(fmt.Sprintf("unknown verdict kind %q", v.Kind)), false)
	}
}

func (o *Orchestrator) execute(ctx context.Context, action *core.Action, provider string, opts DispatchOptions) core.Outcome {
	if opts.DryRun {
		v := core.Allow(action.ID)
		return core.DryRun(&v, "")
	}
	if o.exec == nil {
		return core.Failed(errors.ConfigError("no executor configured"), false)
	}
	return o.exec.Dispatch(ctx, action, provider)
}

func (o *Orchestrator) runThrottle(ctx context.Context, action *core.Action, v *core.Verdict, opts DispatchOptions) core.Outcome {
	if opts.DryRun {
		vv := *v
		return core.DryRun(&vv, v.Rule)
	}
	scope := v.ThrottleScope
	if scope == "" {
		scope = action.Namespace + "/" + action.Provider
	}
	count, err := o.store.IncrCounter(ctx, action.Namespace, scope, v.ThrottleWindow)
	if err != nil {
		return core.Failed(errors.StoreUnavailable("incr_counter", err), true)
	}
	if v.ThrottleLimit > 0 && count > v.ThrottleLimit {
		return core.Throttled(v.ThrottleWindow)
	}
	return o.execute(ctx, action, action.Provider, opts)
}

func (o *Orchestrator) runGroup(ctx context.Context, action *core.Action, v *core.Verdict, opts DispatchOptions) core.Outcome {
	if v.Group == nil || o.groups == nil {
		return core.Failed(errors.ConfigError("group verdict with no group policy or no batcher configured"), false)
	}
	if opts.DryRun {
		vv := *v
		return core.DryRun(&vv, v.Rule)
	}
	outcome, err := o.groups.Append(ctx, action, v.Group)
	if err != nil {
		return core.Failed(err, errors.Retryable(err))
	}
	return outcome
}

func (o *Orchestrator) runApproval(ctx context.Context, action *core.Action, v *core.Verdict, opts DispatchOptions) core.Outcome {
	if v.Approval == nil {
		return core.Failed(errors.ConfigError("approval verdict with no approval policy"), false)
	}
	tokenID := core.NewID()
	if opts.DryRun {
		vv := *v
		return core.DryRun(&vv, v.Rule)
	}
	ttl := v.Approval.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now().UTC()
	rec := &core.ApprovalRecord{
		TokenID:     tokenID,
		Namespace:   action.Namespace,
		Action:      action,
		MatchedRule: v.Rule,
		Approvers:   v.Approval.Approvers,
		Status:      core.ApprovalPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := o.store.SaveApproval(ctx, rec); err != nil {
		return core.Failed(errors.StoreUnavailable("save_approval", err), true)
	}
	return core.PendingApproval(tokenID)
}

func (o *Orchestrator) runChain(ctx context.Context, action *core.Action, v *core.Verdict, opts DispatchOptions) core.Outcome {
	if v.Chain == nil || o.chains == nil {
		return core.Failed(errors.ConfigError("chain verdict with no chain definition or no runner configured"), false)
	}
	if opts.DryRun {
		vv := *v
		return core.DryRun(&vv, v.Rule)
	}
	inst, err := o.chains.Start(ctx, v.Chain.DefinitionName, action)
	if err != nil {
		return core.Failed(err, errors.Retryable(err))
	}
	return core.ChainStarted(inst.ID)
}

func (o *Orchestrator) runSchedule(ctx context.Context, action *core.Action, v *core.Verdict, opts DispatchOptions) core.Outcome {
	if opts.DryRun {
		vv := *v
		return core.DryRun(&vv, v.Rule)
	}
	if err := o.store.EnqueueScheduled(ctx, action.Namespace, action, v.At); err != nil {
		return core.Failed(errors.StoreUnavailable("enqueue_scheduled", err), true)
	}
	return core.Scheduled(v.At)
}

// Release re-enters the pipeline for a claimed scheduled Action directly at
// Allow (the scheduling decision already happened; re-running rule
// evaluation here would re-apply Schedule and loop forever).
func (o *Orchestrator) Release(ctx context.Context, action *core.Action) error {
	outcome := o.execute(ctx, action, action.Provider, DispatchOptions{})
	o.writeAudit(ctx, action, nil, outcome, "", DispatchOptions{})
	o.publish(ctx, action, outcome)
	if outcome.Kind == core.OutcomeFailed {
		return outcome.Err
	}
	return nil
}

// AsSchedulerDispatcher adapts Orchestrator.Release to pkg/scheduler.Dispatcher,
// keeping the interface's method name ("Dispatch") local to that package
// instead of colliding with Orchestrator's own richer Dispatch.
type AsSchedulerDispatcher struct{ O *Orchestrator }

func (a AsSchedulerDispatcher) Dispatch(ctx context.Context, action *core.Action) error {
	return a.O.Release(ctx, action)
}

// writeAudit implements spec.md §4.4's "Audit write: the terminal step of
// every pipeline, including short-circuit branches" with the failure model
// "Store Unavailable during audit → log and drop audit (never fail the
// outcome the user already observed)".
func (o *Orchestrator) writeAudit(ctx context.Context, action *core.Action, verdict *core.Verdict, outcome core.Outcome, matchedRule string, opts DispatchOptions) {
	if o.auditor == nil {
		return
	}
	if matchedRule == "" && verdict != nil {
		matchedRule = verdict.Rule
	}

	rec := &core.AuditRecord{
		ID:          core.NewID(),
		Namespace:   action.Namespace,
		Tenant:      action.Tenant,
		ActionID:    action.ID,
		Provider:    action.Provider,
		ActionType:  action.ActionType,
		MatchedRule: matchedRule,
		Verdict:     verdict,
		Outcome:     &outcome,
		RecordedAt:  time.Now().UTC(),
	}
	if o.cfg.StorePayload && !opts.DryRun {
		rec.Payload = redactedCopy(action.Payload, o.cfg.Redactor)
	}
	if opts.DryRun {
		rec.Payload = nil
	}

	if err := o.auditor.Append(ctx, rec); err != nil {
		o.log.WithFields(map[string]interface{}{"action_id": action.ID}).WithError(err).Warn("audit write failed, dropping")
	}
}

func redactedCopy(p core.Payload, r Redactor) core.Payload {
	if p == nil {
		return nil
	}
	cloned := (&core.Action{Payload: p}).Clone().Payload
	if r == nil {
		return cloned
	}
	raw := make(map[string]interface{}, len(cloned))
	for k, v := range cloned {
		raw[k] = v
	}
	return core.Payload(r.RedactMap(raw))
}

func (o *Orchestrator) publish(ctx context.Context, action *core.Action, outcome core.Outcome) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, eventbus.Event{
		ID:         core.NewID(),
		EntityType: eventbus.EntityAction,
		EntityID:   action.ID,
		Kind:       string(outcome.Kind),
		At:         time.Now().UTC(),
		Payload:    outcome,
	})
}
