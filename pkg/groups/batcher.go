// Package groups implements the Group Batcher (spec.md §4.6): fingerprint-
// keyed batching of actions into a single aggregate dispatch, plus the
// background flush loop that polls for due groups.
package groups

import (
	"context"
	"time"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/executor"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

// Batcher implements Group verdict handling and the background flush loop.
type Batcher struct {
	store    state.Store
	engine   *rules.Engine
	exec     *executor.Executor
	log      *logging.Logger
	maxWaitCeilingDefault time.Duration
}

// New constructs a Batcher.
func New(store state.Store, engine *rules.Engine, exec *executor.Executor, log *logging.Logger) *Batcher {
	return &Batcher{store: store, engine: engine, exec: exec, log: log, maxWaitCeilingDefault: 10 * time.Minute}
}

// Append implements spec.md §4.6 step 2: compute the group key, load or
// create the GroupRecord under the store's per-group lock, append the
// action, and re-arm notify_at.
func (b *Batcher) Append(ctx context.Context, action *core.Action, policy *core.GroupPolicy) (core.Outcome, error) {
	key, err := b.engine.EvalKeyExpr(policy.KeyExpr, action)
	if err != nil {
		return core.Outcome{}, err
	}

	lock, err := b.store.AcquireLock(ctx, "group", groupLockKey(action.Namespace, action.Tenant, key), 5*time.Second)
	if err != nil {
		return core.Outcome{}, err
	}
	defer b.store.ReleaseLock(ctx, lock)

	now := time.Now()
	ceiling := policy.MaxWaitCeiling
	if ceiling <= 0 {
		ceiling = b.maxWaitCeilingDefault
	}

	rec, err := b.store.AppendGroup(ctx, action.Namespace, action.Tenant, key, action)
	if err == state.ErrNotFound {
		rec = &core.GroupRecord{
			Namespace:  action.Namespace,
			Tenant:     action.Tenant,
			GroupKey:   key,
			Members:    []*core.Action{action},
			OpenedAt:   now,
			FlushAt:    now.Add(policy.Wait),
			MaxSize:    policy.MaxSize,
			Provider:   policy.NotifyProvider,
			ActionType: policy.NotifyActionTyp,
		}
		if err := b.store.OpenGroup(ctx, rec); err != nil {
			return core.Outcome{}, err
		}
	} else if err != nil {
		return core.Outcome{}, err
	} else {
		next := rec.FlushAt
		if candidate := now.Add(policy.Interval); candidate.After(next) {
			next = candidate
		}
		ceilingAt := rec.OpenedAt.Add(ceiling)
		if next.After(ceilingAt) {
			next = ceilingAt
		}
		if rec.MaxSize > 0 && len(rec.Members) >= rec.MaxSize {
			next = now
		}
		if err := b.store.SetGroupDeadline(ctx, action.Namespace, action.Tenant, key, next); err != nil {
			return core.Outcome{}, err
		}
	}

	return core.Grouped(key), nil
}

func groupLockKey(namespace, tenant, key string) string { return namespace + "/" + tenant + "/" + key }

// FlushTick runs one pass of the background flush loop (spec.md §4.6 "A
// background flush loop polls list_due_groups(now) on each tick").
func (b *Batcher) FlushTick(ctx context.Context, namespace string) {
	due, err := b.store.ListDueGroups(ctx, namespace, time.Now())
	if err != nil {
		if b.log != nil {
			b.log.WithFields(map[string]interface{}{"namespace": namespace}).WithError(err).Warn("list_due_groups failed")
		}
		return
	}
	for _, rec := range due {
		b.flushOne(ctx, rec)
	}
}

func (b *Batcher) flushOne(ctx context.Context, rec *core.GroupRecord) {
	lock, err := b.store.AcquireLock(ctx, "group", groupLockKey(rec.Namespace, rec.Tenant, rec.GroupKey), 30*time.Second)
	if err != nil {
		return // another worker is already flushing this group
	}
	defer b.store.ReleaseLock(ctx, lock)

	flushed, err := b.store.FlushGroup(ctx, rec.Namespace, rec.Tenant, rec.GroupKey)
	if err != nil {
		return
	}
	b.dispatchFlushed(ctx, flushed)
}

func (b *Batcher) dispatchFlushed(ctx context.Context, flushed *core.GroupRecord) {
	if len(flushed.Members) == 0 {
		return
	}

	aggregate := &core.Action{
		ID:         core.NewID(),
		Namespace:  flushed.Namespace,
		Tenant:     flushed.Tenant,
		Provider:   flushed.Provider,
		ActionType: flushed.ActionType,
		Payload:    summarize(flushed.Members),
		CreatedAt:  time.Now(),
	}

	outcome := b.exec.Dispatch(ctx, aggregate, flushed.Provider)
	if outcome.Kind == core.OutcomeFailed {
		if b.log != nil {
			b.log.WithFields(map[string]interface{}{"group_key": flushed.GroupKey}).Warn("group flush dispatch failed, will retry next tick")
		}
		_ = b.store.OpenGroup(ctx, &core.GroupRecord{
			Namespace: flushed.Namespace, Tenant: flushed.Tenant, GroupKey: flushed.GroupKey, Members: flushed.Members,
			OpenedAt: flushed.OpenedAt, FlushAt: time.Now().Add(5 * time.Second),
			MaxSize: flushed.MaxSize, Provider: flushed.Provider, ActionType: flushed.ActionType,
		})
	}
}

func summarize(members []*core.Action) core.Payload {
	ids := make([]core.Value, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return core.Payload{"member_count": len(members), "member_ids": ids}
}

// List, Get, and Flush back the groups::{list,get,flush} admin surface
// (spec.md §6). GroupRecord is scoped to (namespace,tenant,policy); tenant
// empty lists open groups across every tenant in the namespace.
func (b *Batcher) List(ctx context.Context, namespace, tenant string) ([]*core.GroupRecord, error) {
	return b.store.ListGroups(ctx, namespace, tenant)
}

func (b *Batcher) Get(ctx context.Context, namespace, tenant, key string) (*core.GroupRecord, error) {
	open, err := b.store.ListGroups(ctx, namespace, tenant)
	if err != nil {
		return nil, err
	}
	for _, rec := range open {
		if rec.GroupKey == key {
			return rec, nil
		}
	}
	return nil, errors.New(errors.KindClient, errors.CodeInvalidAction, "group not found")
}

func (b *Batcher) Flush(ctx context.Context, namespace, tenant, key string) error {
	lock, err := b.store.AcquireLock(ctx, "group", groupLockKey(namespace, tenant, key), 30*time.Second)
	if err != nil {
		return err
	}
	defer b.store.ReleaseLock(ctx, lock)

	rec, err := b.store.FlushGroup(ctx, namespace, tenant, key)
	if err != nil {
		return err
	}
	b.dispatchFlushed(ctx, rec)
	return nil
}
