package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/audit"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/executor"
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

func newTestOrchestrator(t *testing.T, rs *core.RuleSet) (*Orchestrator, state.Store) {
	t.Helper()
	store := state.NewMemoryStore(time.Now)
	registry := rules.NewRegistry(func() (*rules.Evaluator, error) {
		return rules.NewEvaluator(store, logging.New("test", "error", "text"))
	})
	require.NoError(t, registry.Reload(rs.Namespace, rs))

	providerRegistry := providers.NewRegistry(resilience.DefaultCircuitConfig())
	providerRegistry.Register(&fakeAdapter{name: "email"})
	exec := executor.New(executor.DefaultConfig(), providerRegistry, store, logging.New("test", "error", "text"))

	auditor := audit.New(store, audit.DefaultConfig())

	orch := New(DefaultConfig(), store, registry, exec, nil, nil, nil, auditor, nil, logging.New("test", "error", "text"))
	return orch, store
}

func ruleSet(namespace string, rules ...*core.Rule) *core.RuleSet {
	return &core.RuleSet{Namespace: namespace, Rules: rules}
}

func TestOrchestrator_AllowsByDefaultAndExecutes(t *testing.T) {
	orch, _ := newTestOrchestrator(t, ruleSet("ns"))

	action := &core.Action{
		ID: "a1", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert",
		Payload: core.Payload{"k": "v"},
	}

	outcome, err := orch.Dispatch(context.Background(), action, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, outcome.Kind)
}

func TestOrchestrator_SuppressRule(t *testing.T) {
	rs := ruleSet("ns", &core.Rule{
		Name: "suppress-all", Priority: 1, Enabled: true,
		Condition: &core.CondTree{Field: "action_type", Op: core.OpEq, Value: "alert"},
		Effect:    core.Effect{Verdict: core.Verdict{Kind: core.VerdictSuppress, SuppressReason: "noisy"}},
	})
	orch, _ := newTestOrchestrator(t, rs)

	action := &core.Action{ID: "a2", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert"}
	outcome, err := orch.Dispatch(context.Background(), action, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSuppressed, outcome.Kind)
}

func TestOrchestrator_DedupSecondActionIsShortCircuited(t *testing.T) {
	orch, _ := newTestOrchestrator(t, ruleSet("ns"))

	action := &core.Action{
		ID: "a3", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert",
		DedupKey: "dup-key",
	}
	first, err := orch.Dispatch(context.Background(), action, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeExecuted, first.Kind)

	replay := &core.Action{
		ID: "a4", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert",
		DedupKey: "dup-key",
	}
	second, err := orch.Dispatch(context.Background(), replay, DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDeduplicated, second.Kind)
}

func TestOrchestrator_DryRunNeverWritesPayloadOrDedup(t *testing.T) {
	orch, store := newTestOrchestrator(t, ruleSet("ns"))

	action := &core.Action{
		ID: "a5", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert",
		DedupKey: "dry-key", Payload: core.Payload{"k": "v"},
	}
	outcome, err := orch.Dispatch(context.Background(), action, DispatchOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDryRun, outcome.Kind)

	first, dedupErr := store.SetDedup(context.Background(), "ns", "t1", "dry-key", time.Hour)
	require.NoError(t, dedupErr)
	assert.True(t, first, "dry-run must not have consumed the dedup key")
}

func TestOrchestrator_InvalidActionReturnsErrorNotOutcome(t *testing.T) {
	orch, _ := newTestOrchestrator(t, ruleSet("ns"))

	_, err := orch.Dispatch(context.Background(), &core.Action{}, DispatchOptions{})
	require.Error(t, err)
}

func TestOrchestrator_DispatchBatchIsolatesFailures(t *testing.T) {
	orch, _ := newTestOrchestrator(t, ruleSet("ns"))

	actions := []*core.Action{
		{ID: "b1", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert"},
		{}, // invalid
	}
	results := orch.DispatchBatch(context.Background(), actions, DispatchOptions{})
	require.Len(t, results, 2)
	assert.Nil(t, results[0].Err)
	assert.NotNil(t, results[0].Outcome)
	assert.Error(t, results[1].Err)
}
