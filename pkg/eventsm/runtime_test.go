package eventsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

func newTestRuntime(t *testing.T) (*Runtime, state.Store) {
	t.Helper()
	store := state.NewMemoryStore(time.Now)
	engine, err := rules.NewDefaultEngine(store)
	require.NoError(t, err)
	return New(store, engine, nil), store
}

func alertDefinition() *Definition {
	return &Definition{
		Name:         "alert",
		InitialState: "idle",
		States:       []core.EventState{"idle", "active", "resolved"},
		Transitions: []Transition{
			{From: "idle", To: "active"},
			{From: "active", To: "resolved", Match: &core.CondTree{
				Field: "payload.status", Op: core.OpEq, Value: "ok",
			}},
			{From: "active", To: "active"},
		},
		Timeouts: []Timeout{
			{State: "active", After: 1, TransitionTo: "resolved"},
		},
	}
}

func TestApply_CreatesAndTransitions(t *testing.T) {
	rt, _ := newTestRuntime(t)
	require.NoError(t, rt.Register(alertDefinition()))

	action := &core.Action{
		ID: "a1", Namespace: "ns", Tenant: "t1",
		Payload: core.Payload{"host": "h1"},
	}
	effect := &core.StateMachineEffect{Name: "alert", FingerprintFields: []string{"payload.host"}}

	rec, err := rt.Apply(context.Background(), action, effect)
	require.NoError(t, err)
	assert.Equal(t, core.EventState("active"), rec.State)
	assert.False(t, rec.TimeoutAt.IsZero())

	action2 := &core.Action{
		ID: "a2", Namespace: "ns", Tenant: "t1",
		Payload: core.Payload{"host": "h1", "status": "ok"},
	}
	rec2, err := rt.Apply(context.Background(), action2, effect)
	require.NoError(t, err)
	assert.Equal(t, core.EventState("resolved"), rec2.State)
}

func TestApply_SameFingerprintReused(t *testing.T) {
	rt, _ := newTestRuntime(t)
	require.NoError(t, rt.Register(alertDefinition()))

	effect := &core.StateMachineEffect{Name: "alert", FingerprintFields: []string{"payload.host"}}
	a1 := &core.Action{ID: "a1", Namespace: "ns", Payload: core.Payload{"host": "h1"}}
	a2 := &core.Action{ID: "a2", Namespace: "ns", Payload: core.Payload{"host": "h1"}}

	rec1, err := rt.Apply(context.Background(), a1, effect)
	require.NoError(t, err)
	rec2, err := rt.Apply(context.Background(), a2, effect)
	require.NoError(t, err)

	assert.Equal(t, rec1.Fingerprint, rec2.Fingerprint)
	assert.Equal(t, "a2", rec2.LastActionID)
}

func TestSweep_AppliesTimeoutTransition(t *testing.T) {
	rt, store := newTestRuntime(t)
	require.NoError(t, rt.Register(alertDefinition()))

	effect := &core.StateMachineEffect{Name: "alert", FingerprintFields: []string{"payload.host"}}
	action := &core.Action{ID: "a1", Namespace: "ns", Payload: core.Payload{"host": "h1"}}
	_, err := rt.Apply(context.Background(), action, effect)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	rt.Sweep(context.Background(), "ns")

	fp := Fingerprint(action, effect.FingerprintFields)
	rec, err := store.LoadEvent(context.Background(), "ns", "", "alert", fp)
	require.NoError(t, err)
	assert.Equal(t, core.EventState("resolved"), rec.State)
}

func TestTransition_RejectsUnknownState(t *testing.T) {
	rt, _ := newTestRuntime(t)
	require.NoError(t, rt.Register(alertDefinition()))

	effect := &core.StateMachineEffect{Name: "alert", FingerprintFields: []string{"payload.host"}}
	action := &core.Action{ID: "a1", Namespace: "ns", Payload: core.Payload{"host": "h1"}}
	_, err := rt.Apply(context.Background(), action, effect)
	require.NoError(t, err)

	fp := Fingerprint(action, effect.FingerprintFields)
	_, err = rt.Transition(context.Background(), "ns", "", "alert", fp, "bogus")
	assert.Error(t, err)
}
