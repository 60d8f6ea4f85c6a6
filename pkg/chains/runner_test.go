package chains

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/executor"
	"github.com/acteon/gateway/pkg/providers"
	"github.com/acteon/gateway/pkg/resilience"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

type stubAdapter struct {
	name string
	fail bool
}

func (a *stubAdapter) Name() string { return a.name }
func (a *stubAdapter) Execute(_ context.Context, action *core.Action) (*core.ProviderResponse, error) {
	if a.fail {
		return nil, assert.AnError
	}
	return &core.ProviderResponse{Status: 200}, nil
}

func newTestRunner(t *testing.T, adapters ...*stubAdapter) (*Runner, state.Store) {
	t.Helper()
	store := state.NewMemoryStore(time.Now)
	engine, err := rules.NewDefaultEngine(store)
	require.NoError(t, err)

	registry := providers.NewRegistry(resilience.DefaultCircuitConfig())
	for _, a := range adapters {
		registry.Register(a)
	}
	exec := executor.New(executor.DefaultConfig(), registry, store, logging.New("test", "error", "text"))
	return New(store, exec, engine, nil, 4), store
}

func TestRunner_TwoStepProviderChain(t *testing.T) {
	runner, _ := newTestRunner(t, &stubAdapter{name: "notify"})
	require.NoError(t, runner.Register(&ChainDef{
		Name: "two-step",
		Steps: []Step{
			{Name: "first", Kind: StepKindProvider, Provider: "notify", ActionType: "ping", DefaultNext: "second"},
			{Name: "second", Kind: StepKindProvider, Provider: "notify", ActionType: "ping"},
		},
	}))

	root := &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Payload: core.Payload{"x": 1}}
	inst, err := runner.Start(context.Background(), "two-step", root)
	require.NoError(t, err)

	assert.Equal(t, core.ChainCompleted, inst.Status)
	assert.Equal(t, []string{"first", "second"}, inst.ExecutionPath)
	assert.Equal(t, core.StepSucceeded, inst.Steps["first"].Status)
	assert.Equal(t, core.StepSucceeded, inst.Steps["second"].Status)
}

func TestRunner_FailureAbortsChain(t *testing.T) {
	runner, _ := newTestRunner(t, &stubAdapter{name: "notify", fail: true})
	require.NoError(t, runner.Register(&ChainDef{
		Name:      "fails",
		OnFailure: OnFailureAbort,
		Steps: []Step{
			{Name: "only", Kind: StepKindProvider, Provider: "notify", ActionType: "ping"},
		},
	}))

	root := &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Payload: core.Payload{}}
	inst, err := runner.Start(context.Background(), "fails", root)
	require.NoError(t, err)
	assert.Equal(t, core.ChainFailed, inst.Status)
}

func TestRunner_BranchSelectsTargetOnSuccess(t *testing.T) {
	runner, _ := newTestRunner(t, &stubAdapter{name: "notify"})
	require.NoError(t, runner.Register(&ChainDef{
		Name: "branching",
		Steps: []Step{
			{
				Name: "check", Kind: StepKindProvider, Provider: "notify", ActionType: "ping",
				Branches: []Branch{
					{Condition: &core.CondTree{Field: "payload.success", Op: core.OpEq, Value: true}, Target: "on-success"},
				},
				DefaultNext: "on-failure",
			},
			{Name: "on-success", Kind: StepKindProvider, Provider: "notify", ActionType: "ping"},
			{Name: "on-failure", Kind: StepKindProvider, Provider: "notify", ActionType: "ping"},
		},
	}))

	root := &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Payload: core.Payload{}}
	inst, err := runner.Start(context.Background(), "branching", root)
	require.NoError(t, err)
	assert.Equal(t, core.ChainCompleted, inst.Status)
	assert.Contains(t, inst.ExecutionPath, "on-success")
	assert.NotContains(t, inst.ExecutionPath, "on-failure")
}

func TestRunner_ParallelJoinAll(t *testing.T) {
	runner, _ := newTestRunner(t, &stubAdapter{name: "a"}, &stubAdapter{name: "b"})
	require.NoError(t, runner.Register(&ChainDef{
		Name: "fanout",
		Steps: []Step{
			{
				Name: "parallel", Kind: StepKindParallel,
				Join: JoinPolicy{Kind: JoinAll},
				SubSteps: []Step{
					{Name: "a", Kind: StepKindProvider, Provider: "a", ActionType: "ping"},
					{Name: "b", Kind: StepKindProvider, Provider: "b", ActionType: "ping"},
				},
			},
		},
	}))

	root := &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Payload: core.Payload{}}
	inst, err := runner.Start(context.Background(), "fanout", root)
	require.NoError(t, err)
	assert.Equal(t, core.ChainCompleted, inst.Status)
	assert.Equal(t, core.StepSucceeded, inst.Steps["parallel"].Status)
}

func TestRunner_CancelPreventsFurtherAdvance(t *testing.T) {
	runner, _ := newTestRunner(t, &stubAdapter{name: "notify"})
	require.NoError(t, runner.Register(&ChainDef{
		Name: "two-step",
		Steps: []Step{
			{Name: "first", Kind: StepKindProvider, Provider: "notify", ActionType: "ping", DefaultNext: "second"},
			{Name: "second", Kind: StepKindProvider, Provider: "notify", ActionType: "ping"},
		},
	}))

	root := &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Payload: core.Payload{}}
	inst, err := runner.Start(context.Background(), "two-step", root)
	require.NoError(t, err)
	require.Equal(t, core.ChainCompleted, inst.Status)

	err = runner.Cancel(context.Background(), "ns", inst.ID)
	require.NoError(t, err)
	got, err := runner.Get(context.Background(), "ns", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ChainCompleted, got.Status) // already terminal, Cancel is a no-op
}
