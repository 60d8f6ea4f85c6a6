package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/state"
)

func newTestRecorder(t *testing.T) (*Recorder, state.Store) {
	t.Helper()
	store := state.NewMemoryStore(time.Now)
	return New(store, DefaultConfig()), store
}

func TestRecorder_AppendChainsHashes(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	first := &core.AuditRecord{Namespace: "ns", Tenant: "t1", ActionID: "a1", Payload: core.Payload{"amount": 10}}
	require.NoError(t, rec.Append(ctx, first))
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.SelfHash)

	second := &core.AuditRecord{Namespace: "ns", Tenant: "t1", ActionID: "a2", Payload: core.Payload{"amount": 20}}
	require.NoError(t, rec.Append(ctx, second))
	assert.Equal(t, first.SelfHash, second.PrevHash)
	assert.NotEqual(t, first.SelfHash, second.SelfHash)
}

func TestRecorder_RedactsSecretFieldsBeforeHashing(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	entry := &core.AuditRecord{
		Namespace: "ns", Tenant: "t1", ActionID: "a1",
		Payload: core.Payload{"password": "hunter2", "amount": 5},
	}
	require.NoError(t, rec.Append(ctx, entry))

	assert.NotEqual(t, "hunter2", entry.Payload["password"])
	assert.Contains(t, entry.Redacted, "password")
	assert.Equal(t, 5, entry.Payload["amount"])
}

func TestRecorder_VerifyChainDetectsTamper(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	a := &core.AuditRecord{Namespace: "ns", Tenant: "t1", ActionID: "a1", Payload: core.Payload{"x": 1}}
	require.NoError(t, rec.Append(ctx, a))
	b := &core.AuditRecord{Namespace: "ns", Tenant: "t1", ActionID: "a2", Payload: core.Payload{"x": 2}}
	require.NoError(t, rec.Append(ctx, b))

	brk, err := rec.VerifyChain(ctx, "ns", "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, brk)

	stored, err := store.GetAudit(ctx, "ns", b.ID)
	require.NoError(t, err)
	stored.SelfHash = []byte("tampered") // MemoryStore returns the live pointer, so this mutates the stored record directly

	brk, err = rec.VerifyChain(ctx, "ns", "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, brk)
}

func TestRecorder_QueryAndGet(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	entry := &core.AuditRecord{Namespace: "ns", Tenant: "t1", ActionID: "a1", Payload: core.Payload{"x": 1}}
	require.NoError(t, rec.Append(ctx, entry))

	got, err := rec.Get(ctx, "ns", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	all, err := rec.Query(ctx, "ns", "t1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
