package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/internal/eventbus"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/audit"
	"github.com/acteon/gateway/pkg/chains"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/eventsm"
	"github.com/acteon/gateway/pkg/executor"
	"github.com/acteon/gateway/pkg/groups"
	"github.com/acteon/gateway/pkg/orchestrator"
	"github.com/acteon/gateway/pkg/providers"
	"github.com/acteon/gateway/pkg/resilience"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

type fakeAdapter struct{ name string }

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) Execute(_ context.Context, _ *core.Action) (*core.ProviderResponse, error) {
	return &core.ProviderResponse{Status: 200}, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	log := logging.New("test", "error", "text")
	store := state.NewMemoryStore(time.Now)

	registry := rules.NewRegistry(func() (*rules.Evaluator, error) {
		return rules.NewEvaluator(store, log)
	})
	require.NoError(t, registry.Reload("ns", &core.RuleSet{Namespace: "ns"}))

	providerRegistry := providers.NewRegistry(resilience.DefaultCircuitConfig())
	providerRegistry.Register(&fakeAdapter{name: "email"})
	exec := executor.New(executor.DefaultConfig(), providerRegistry, store, log)

	engine, err := rules.NewEngine(store, nil)
	require.NoError(t, err)
	batcher := groups.New(store, engine, exec, log)
	events := eventsm.New(store, engine, log)
	runner := chains.New(store, exec, engine, log, 0)
	auditor := audit.New(store, audit.DefaultConfig())
	bus := eventbus.New()

	orch := orchestrator.New(orchestrator.DefaultConfig(), store, registry, exec, batcher, events, runner, auditor, bus, log)

	return New(store, registry, orch, batcher, events, runner, auditor, nil, bus, log)
}

func TestGateway_DispatchExecutes(t *testing.T) {
	gw := newTestGateway(t)

	action := &core.Action{
		ID: "a1", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert",
		Payload: core.Payload{"k": "v"},
	}
	outcome, err := gw.Dispatch(context.Background(), action, false)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, outcome.Kind)
}

func TestGateway_AuditGetAndReplay(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	action := &core.Action{
		ID: "a2", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert",
		Payload: core.Payload{"k": "v"},
	}
	_, err := gw.Dispatch(ctx, action, false)
	require.NoError(t, err)

	since := time.Now().Add(-time.Hour)
	rec, err := gw.AuditGet(ctx, "ns", "t1", "a2", since)
	require.NoError(t, err)
	assert.Equal(t, "email", rec.Provider)

	outcome, err := gw.AuditReplay(ctx, "ns", "t1", "a2", since)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, outcome.Kind)
}

func TestGateway_RuleAdminReloadAndEvaluate(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	rs := &core.RuleSet{Namespace: "ns", Rules: []*core.Rule{
		{
			Name: "suppress-all", Priority: 1, Enabled: true,
			Condition: &core.CondTree{Field: "action_type", Op: core.OpEq, Value: "alert"},
			Effect:    core.Effect{Verdict: core.Verdict{Kind: core.VerdictSuppress, SuppressReason: "noisy"}},
		},
	}}
	require.NoError(t, gw.Rules.Reload("ns", rs))

	action := &core.Action{ID: "a3", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert"}
	result, err := gw.RuleAdminEvaluate(ctx, action, false, false)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictSuppress, result.Verdict.Kind)

	outcome, err := gw.Dispatch(ctx, action, false)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSuppressed, outcome.Kind)
}

func TestGateway_ApprovalsResolveApprovedReleases(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	rs := &core.RuleSet{Namespace: "ns", Rules: []*core.Rule{
		{
			Name: "needs-approval", Priority: 1, Enabled: true,
			Condition: &core.CondTree{Field: "action_type", Op: core.OpEq, Value: "deploy"},
			Effect: core.Effect{Verdict: core.Verdict{
				Kind: core.VerdictApproval, Rule: "needs-approval",
				Approval: &core.ApprovalPolicy{TTL: time.Hour},
			}},
		},
	}}
	require.NoError(t, gw.Rules.Reload("ns", rs))

	action := &core.Action{ID: "a4", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "deploy"}
	outcome, err := gw.Dispatch(ctx, action, false)
	require.NoError(t, err)
	require.Equal(t, core.OutcomePendingApprove, outcome.Kind)

	pending, err := gw.ApprovalsList(ctx, "ns", core.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := gw.ApprovalsResolve(ctx, "ns", pending[0].TokenID, "operator", true)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, resolved.Kind)
}

func TestGateway_DLQStatsEmpty(t *testing.T) {
	gw := newTestGateway(t)
	stats, err := gw.DLQStats(context.Background(), "ns")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}

func TestGateway_SubscribeReceivesDispatchEvent(t *testing.T) {
	gw := newTestGateway(t)
	ch, cancel := gw.Subscribe(eventbus.EntityAction, "a5")
	defer cancel()

	action := &core.Action{ID: "a5", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert"}
	_, err := gw.Dispatch(context.Background(), action, false)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "a5", ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch event")
	}
}
