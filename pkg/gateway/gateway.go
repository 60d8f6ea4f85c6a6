// Package gateway assembles every Acteon component behind the single
// surface spec.md §6 describes as the core's external interface: dispatch/
// dispatch_batch, rule_admin, audit, events, groups, chains, dlq, and the
// subscribe/stream event feeds. Nothing here adds behavior; it is
// composition root plus thin argument translation, grounded on the
// teacher's system/core.Registry pattern of a top-level type that owns
// every subsystem's lifecycle and exposes one object for callers (here, an
// eventual HTTP layer, out of scope per spec.md §1) to depend on.
package gateway

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
	"github.com/acteon/gateway/pkg/groups"
	"github.com/acteon/gateway/pkg/orchestrator"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/scheduler"
	"github.com/acteon/gateway/pkg/state"
)

// Gateway is the top-level Acteon object: one per process, one per
// deployment's worth of namespaces sharing a Store.
type Gateway struct {
	Store       state.Store
	Rules       *rules.Registry
	Orchestrator *orchestrator.Orchestrator
	Groups      *groups.Batcher
	Events      *eventsm.Runtime
	Chains      *chains.Runner
	Audit       *audit.Recorder
	Scheduler   *scheduler.Scheduler
	Bus         *eventbus.Bus
	log         *logging.Logger
}

// New wires a Gateway from its already-constructed collaborators. Building
// each collaborator (choosing a Store backend, sizing pools, loading rule
// sets) is the caller's job — cmd/acteon-gateway's — so this stays a pure
// assembly point with no config-file or environment knowledge of its own.
func New(
	store state.Store,
	registry *rules.Registry,
	orch *orchestrator.Orchestrator,
	batcher *groups.Batcher,
	events *eventsm.Runtime,
	runner *chains.Runner,
	auditor *audit.Recorder,
	sched *scheduler.Scheduler,
	bus *eventbus.Bus,
	log *logging.Logger,
) *Gateway {
	return &Gateway{
		Store: store, Rules: registry, Orchestrator: orch, Groups: batcher,
		Events: events, Chains: runner, Audit: auditor, Scheduler: sched,
		Bus: bus, log: log,
	}
}

// Start brings up the Background Scheduler, if one is wired. Ordered
// startup/shutdown (SPEC_FULL.md §4 "Ordered module startup/shutdown")
// lives in the Scheduler itself; Gateway.Start/Stop is the single entry
// point a caller holds.
func (g *Gateway) Start(ctx context.Context) error {
	if g.Scheduler == nil {
		return nil
	}
	return g.Scheduler.Start(ctx)
}

// Stop tears down the Background Scheduler.
func (g *Gateway) Stop() error {
	if g.Scheduler == nil {
		return nil
	}
	return g.Scheduler.Stop()
}

// Dispatch implements the dispatch(action, {dry_run}) external interface
// (spec.md §6).
func (g *Gateway) Dispatch(ctx context.Context, action *core.Action, dryRun bool) (core.Outcome, error) {
	return g.Orchestrator.Dispatch(ctx, action, orchestrator.DispatchOptions{DryRun: dryRun})
}

// BatchResult mirrors orchestrator.BatchResult at the gateway boundary so
// callers of this package never need to import pkg/orchestrator directly.
type BatchResult struct {
	Outcome *core.Outcome
	Err     error
}

// DispatchBatch implements dispatch_batch([action], {dry_run}) (spec.md §6).
func (g *Gateway) DispatchBatch(ctx context.Context, actions []*core.Action, dryRun bool) []BatchResult {
	results := g.Orchestrator.DispatchBatch(ctx, actions, orchestrator.DispatchOptions{DryRun: dryRun})
	out := make([]BatchResult, len(results))
	for i, r := range results {
		out[i] = BatchResult{Outcome: r.Outcome, Err: r.Err}
	}
	return out
}

// --- rule_admin ---

// RuleAdminList implements rule_admin::list.
func (g *Gateway) RuleAdminList(namespace string) (*core.RuleSet, error) {
	return g.Rules.List(namespace)
}

// RuleAdminReload implements rule_admin::reload(dir): reads every *.json
// rule file directly under dir and hot-swaps the namespace's RuleSet.
func (g *Gateway) RuleAdminReload(namespace, dir string) error {
	rs, err := rules.LoadDirectory(namespace, dir)
	if err != nil {
		return err
	}
	return g.Rules.Reload(namespace, rs)
}

// RuleAdminSetEnabled implements rule_admin::set_enabled(name,bool).
func (g *Gateway) RuleAdminSetEnabled(namespace, name string, enabled bool) error {
	return g.Rules.SetEnabled(namespace, name, enabled)
}

// RuleAdminEvaluate implements rule_admin::evaluate(action,
// {include_disabled,evaluate_all}): a side-effect-free preview of the Rule
// Evaluator's verdict, independent of the full Orchestrator pipeline (no
// lock, no dedup, no audit write).
func (g *Gateway) RuleAdminEvaluate(ctx context.Context, action *core.Action, includeDisabled, evaluateAll bool) (*rules.EvalResult, error) {
	return g.Rules.Evaluate(ctx, action.Namespace, action, rules.EvalOptions{
		EvaluateAll:     evaluateAll,
		IncludeDisabled: includeDisabled,
	})
}

// --- audit ---

// AuditQuery implements audit::query(filters,page).
func (g *Gateway) AuditQuery(ctx context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error) {
	return g.Audit.Query(ctx, namespace, tenant, since, until, limit)
}

// AuditGet implements audit::get(action_id): the most recent audit record
// for that action, found by scanning the namespace/tenant's recent window
// (AuditRecord is keyed by its own UUID, not by ActionID).
func (g *Gateway) AuditGet(ctx context.Context, namespace, tenant, actionID string, since time.Time) (*core.AuditRecord, error) {
	recs, err := g.Audit.Query(ctx, namespace, tenant, since, time.Now().UTC(), 0)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].ActionID == actionID {
			return recs[i], nil
		}
	}
	return nil, errors.New(errors.KindClient, errors.CodeInvalidAction, "no audit record for action "+actionID)
}

// AuditReplay implements audit::replay(action_id): reconstructs the
// originally-dispatched Action from its audit trail and re-submits it
// through the full pipeline. Per spec.md §1's Non-goals, this is a
// best-effort re-dispatch, not bit-exact replay — the reconstructed Action
// gets a fresh ID so it is not deduplicated against its own history.
func (g *Gateway) AuditReplay(ctx context.Context, namespace, tenant, actionID string, since time.Time) (core.Outcome, error) {
	rec, err := g.AuditGet(ctx, namespace, tenant, actionID, since)
	if err != nil {
		return core.Outcome{}, err
	}
	replay := &core.Action{
		ID:         core.NewID(),
		Namespace:  rec.Namespace,
		Tenant:     rec.Tenant,
		Provider:   rec.Provider,
		ActionType: rec.ActionType,
		Payload:    rec.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	return g.Dispatch(ctx, replay, false)
}

// AuditReplayMatching implements audit::replay_matching(filters): replays
// every audit record in [since,until) whose ActionType equals actionType
// (empty matches all), returning one outcome per replayed record in order.
func (g *Gateway) AuditReplayMatching(ctx context.Context, namespace, tenant, actionType string, since, until time.Time) ([]core.Outcome, error) {
	recs, err := g.Audit.Query(ctx, namespace, tenant, since, until, 0)
	if err != nil {
		return nil, err
	}
	outcomes := make([]core.Outcome, 0, len(recs))
	for _, rec := range recs {
		if actionType != "" && rec.ActionType != actionType {
			continue
		}
		replay := &core.Action{
			ID: core.NewID(), Namespace: rec.Namespace, Tenant: rec.Tenant,
			Provider: rec.Provider, ActionType: rec.ActionType, Payload: rec.Payload,
			CreatedAt: time.Now().UTC(),
		}
		outcome, err := g.Dispatch(ctx, replay, false)
		if err != nil {
			outcome = core.Failed(err, errors.Retryable(err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// --- events ---

// EventsList implements events::list(ns,tenant,status?). tenant empty lists
// across every tenant in the namespace.
func (g *Gateway) EventsList(ctx context.Context, namespace, tenant string, status core.EventState) ([]*core.EventRecord, error) {
	return g.Events.List(ctx, namespace, tenant, status)
}

// EventsGet implements events::get(fp).
func (g *Gateway) EventsGet(ctx context.Context, namespace, tenant, stateMachine, fingerprint string) (*core.EventRecord, error) {
	return g.Events.Get(ctx, namespace, tenant, stateMachine, fingerprint)
}

// EventsTransition implements events::transition(fp, to_state).
func (g *Gateway) EventsTransition(ctx context.Context, namespace, tenant, stateMachine, fingerprint string, to core.EventState) (*core.EventRecord, error) {
	return g.Events.Transition(ctx, namespace, tenant, stateMachine, fingerprint, to)
}

// --- groups ---

// GroupsList implements groups::list(ns,tenant,state?). GroupRecord is
// scoped to (namespace,tenant,policy) (§3/§4.6); tenant empty lists every
// open group in the namespace. state narrowing is left to the caller since
// an open GroupRecord has no lifecycle-state field of its own.
func (g *Gateway) GroupsList(ctx context.Context, namespace, tenant string) ([]*core.GroupRecord, error) {
	return g.Groups.List(ctx, namespace, tenant)
}

// GroupsGet implements groups::get(key).
func (g *Gateway) GroupsGet(ctx context.Context, namespace, tenant, key string) (*core.GroupRecord, error) {
	return g.Groups.Get(ctx, namespace, tenant, key)
}

// GroupsFlush implements groups::flush(key): an operator-forced early flush.
func (g *Gateway) GroupsFlush(ctx context.Context, namespace, tenant, key string) error {
	return g.Groups.Flush(ctx, namespace, tenant, key)
}

// --- chains ---

// ChainsList implements chains::list.
func (g *Gateway) ChainsList(ctx context.Context, namespace string) ([]*core.ChainInstance, error) {
	return g.Chains.List(ctx, namespace)
}

// ChainsGet implements chains::get.
func (g *Gateway) ChainsGet(ctx context.Context, namespace, id string) (*core.ChainInstance, error) {
	return g.Chains.Get(ctx, namespace, id)
}

// ChainsCancel implements chains::cancel.
func (g *Gateway) ChainsCancel(ctx context.Context, namespace, id string) error {
	return g.Chains.Cancel(ctx, namespace, id)
}

// ChainsDAGOfInstance implements chains::dag_of_instance.
func (g *Gateway) ChainsDAGOfInstance(ctx context.Context, namespace, id string) ([]string, error) {
	return g.Chains.DAGOfInstance(ctx, namespace, id)
}

// ChainsDAGOfDefinition implements chains::dag_of_definition.
func (g *Gateway) ChainsDAGOfDefinition(name string) (map[string][]string, error) {
	return g.Chains.DAGOfDefinition(name)
}

// --- dlq ---

// DLQStats implements dlq::stats.
func (g *Gateway) DLQStats(ctx context.Context, namespace string) (*core.DLQStats, error) {
	return g.Store.DLQStats(ctx, namespace)
}

// DLQDrain implements dlq::drain.
func (g *Gateway) DLQDrain(ctx context.Context, namespace string, limit int) ([]*core.DLQEntry, error) {
	return g.Store.DrainDLQ(ctx, namespace, limit)
}

// --- approvals (supplemented, SPEC_FULL.md §4.4) ---

// ApprovalsList lists pending (or any status) approvals for a namespace.
func (g *Gateway) ApprovalsList(ctx context.Context, namespace string, status core.ApprovalStatus) ([]*core.ApprovalRecord, error) {
	return g.Store.ListApprovals(ctx, namespace, status)
}

// ApprovalsResolve approves or denies a pending token, then — if approved —
// releases the underlying Action through the Orchestrator exactly as a
// scheduled action is released (spec.md §4.4's Approval branch never
// re-evaluates rules on resolution, to avoid a second, possibly divergent,
// verdict for the same Action).
func (g *Gateway) ApprovalsResolve(ctx context.Context, namespace, tokenID, resolvedBy string, approve bool) (core.Outcome, error) {
	rec, err := g.Store.GetApproval(ctx, namespace, tokenID)
	if err != nil {
		return core.Outcome{}, err
	}
	if rec.Status != core.ApprovalPending {
		return core.Outcome{}, errors.New(errors.KindClient, errors.CodeInvalidAction,
			fmt.Sprintf("approval %s already resolved as %s", tokenID, rec.Status))
	}

	rec.ResolvedBy = resolvedBy
	rec.ResolvedAt = time.Now().UTC()
	if approve {
		rec.Status = core.ApprovalApproved
	} else {
		rec.Status = core.ApprovalDenied
	}
	if err := g.Store.SaveApproval(ctx, rec); err != nil {
		return core.Outcome{}, err
	}
	if !approve {
		return core.Suppressed(rec.MatchedRule), nil
	}
	return core.Outcome{Kind: core.OutcomeExecuted}, g.Orchestrator.Release(ctx, rec.Action)
}

// --- streaming ---

// Subscribe implements subscribe(entity_type, entity_id, {include_history})
// → stream<Event>. include_history is a no-op here: the Bus is
// process-local and in-memory (no durable event log to replay from), so
// only events published after Subscribe is called are observed.
func (g *Gateway) Subscribe(entityType eventbus.EntityType, entityID string) (<-chan eventbus.Event, func()) {
	return g.Bus.Subscribe(eventbus.Filter{EntityType: entityType, EntityID: entityID})
}

// Stream implements stream(filters, {last_event_id?}) → stream<Event>.
// last_event_id is likewise unsupported for the same reason as Subscribe's
// include_history: the Bus has no backlog to seek into.
func (g *Gateway) Stream(filters ...eventbus.Filter) (<-chan eventbus.Event, func()) {
	return g.Bus.Subscribe(filters...)
}
