package state

import (
	"context"
	"testing"
	"time"

	"github.com/acteon/gateway/pkg/core"
)

func TestMemoryStore_LockLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	lock, err := s.AcquireLock(ctx, "event", "fp1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := s.AcquireLock(ctx, "event", "fp1", time.Minute); err == nil {
		t.Fatal("expected second AcquireLock on a held lock to fail")
	}
	if err := s.ReleaseLock(ctx, lock); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := s.AcquireLock(ctx, "event", "fp1", time.Minute); err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
}

func TestMemoryStore_LockExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemoryStore(clock)

	if _, err := s.AcquireLock(ctx, "event", "fp1", time.Second); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := s.AcquireLock(ctx, "event", "fp1", time.Minute); err != nil {
		t.Fatalf("expected lock to be re-acquirable once expired: %v", err)
	}
}

func TestMemoryStore_SetDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	first, err := s.SetDedup(ctx, "ns", "tenant1", "key1", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first SetDedup to succeed, got %v, %v", first, err)
	}
	second, err := s.SetDedup(ctx, "ns", "tenant1", "key1", time.Minute)
	if err != nil || second {
		t.Fatalf("expected second SetDedup for the same key to report a duplicate, got %v, %v", second, err)
	}

	otherTenant, err := s.SetDedup(ctx, "ns", "tenant2", "key1", time.Minute)
	if err != nil || !otherTenant {
		t.Fatalf("expected a different tenant reusing the same dedup_key to succeed, got %v, %v", otherTenant, err)
	}
}

func TestMemoryStore_IncrCounterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemoryStore(clock)

	for i := 1; i <= 3; i++ {
		n, err := s.IncrCounter(ctx, "ns", "scope", time.Minute)
		if err != nil {
			t.Fatalf("IncrCounter: %v", err)
		}
		if n != i {
			t.Fatalf("expected counter to reach %d, got %d", i, n)
		}
	}

	now = now.Add(2 * time.Minute)
	n, err := s.IncrCounter(ctx, "ns", "scope", time.Minute)
	if err != nil {
		t.Fatalf("IncrCounter after window expiry: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected counter to reset after window expiry, got %d", n)
	}
}

func TestMemoryStore_EventLoadStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	rec := &core.EventRecord{Namespace: "ns", Tenant: "t1", StateMachine: "sm", Fingerprint: "fp", State: "start"}
	if err := s.StoreEvent(ctx, rec); err != nil {
		t.Fatalf("StoreEvent (create): %v", err)
	}

	loaded, err := s.LoadEvent(ctx, "ns", "t1", "sm", "fp")
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if loaded.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", loaded.Version)
	}

	// Storing with the original (now-stale) version should conflict.
	if err := s.StoreEvent(ctx, rec); err == nil {
		t.Fatal("expected a version conflict storing a stale EventRecord")
	}

	loaded.State = "next"
	if err := s.StoreEvent(ctx, loaded); err != nil {
		t.Fatalf("StoreEvent with current version: %v", err)
	}
}

func TestMemoryStore_ListEventsFiltersByNamespaceAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	_ = s.StoreEvent(ctx, &core.EventRecord{Namespace: "ns1", Tenant: "t1", StateMachine: "sm", Fingerprint: "a", State: "open"})
	_ = s.StoreEvent(ctx, &core.EventRecord{Namespace: "ns1", Tenant: "t1", StateMachine: "sm", Fingerprint: "b", State: "closed"})
	_ = s.StoreEvent(ctx, &core.EventRecord{Namespace: "ns1", Tenant: "t2", StateMachine: "sm", Fingerprint: "c", State: "open"})
	_ = s.StoreEvent(ctx, &core.EventRecord{Namespace: "ns2", Tenant: "t1", StateMachine: "sm", Fingerprint: "d", State: "open"})

	all, err := s.ListEvents(ctx, "ns1", "", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 ns1 events across tenants, got %d, err=%v", len(all), err)
	}

	open, err := s.ListEvents(ctx, "ns1", "", "open")
	if err != nil || len(open) != 2 {
		t.Fatalf("expected 2 open ns1 events, got %+v, err=%v", open, err)
	}

	t1Only, err := s.ListEvents(ctx, "ns1", "t1", "")
	if err != nil || len(t1Only) != 2 {
		t.Fatalf("expected 2 ns1 events for tenant t1, got %+v, err=%v", t1Only, err)
	}

	t2Open, err := s.ListEvents(ctx, "ns1", "t2", "open")
	if err != nil || len(t2Open) != 1 || t2Open[0].Fingerprint != "c" {
		t.Fatalf("expected a single open ns1/t2 event, got %+v, err=%v", t2Open, err)
	}
}

func TestMemoryStore_GroupLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	rec := &core.GroupRecord{Namespace: "ns", Tenant: "t1", GroupKey: "gk", OpenedAt: time.Now()}
	if err := s.OpenGroup(ctx, rec); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	// Re-opening an existing group key must be a no-op, not an overwrite.
	if err := s.OpenGroup(ctx, &core.GroupRecord{Namespace: "ns", Tenant: "t1", GroupKey: "gk", OpenedAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("OpenGroup (existing): %v", err)
	}
	// A different tenant's group with the same key must not collide.
	if err := s.OpenGroup(ctx, &core.GroupRecord{Namespace: "ns", Tenant: "t2", GroupKey: "gk", OpenedAt: time.Now()}); err != nil {
		t.Fatalf("OpenGroup (other tenant): %v", err)
	}

	appended, err := s.AppendGroup(ctx, "ns", "t1", "gk", &core.Action{ID: "a1"})
	if err != nil {
		t.Fatalf("AppendGroup: %v", err)
	}
	if len(appended.Members) != 1 {
		t.Fatalf("expected 1 member after append, got %d", len(appended.Members))
	}

	list, err := s.ListGroups(ctx, "ns", "t1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListGroups: got %d groups, err=%v", len(list), err)
	}

	all, err := s.ListGroups(ctx, "ns", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListGroups (all tenants): got %d groups, err=%v", len(all), err)
	}

	flushed, err := s.FlushGroup(ctx, "ns", "t1", "gk")
	if err != nil {
		t.Fatalf("FlushGroup: %v", err)
	}
	if len(flushed.Members) != 1 {
		t.Fatalf("expected flushed group to retain its member, got %d", len(flushed.Members))
	}

	if _, err := s.FlushGroup(ctx, "ns", "t1", "gk"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound flushing an already-flushed group, got %v", err)
	}

	if _, err := s.FlushGroup(ctx, "ns", "t2", "gk"); err != nil {
		t.Fatalf("expected tenant t2's group to be unaffected by t1's flush: %v", err)
	}
}

func TestMemoryStore_ListDueGroups(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore(func() time.Time { return now })

	_ = s.OpenGroup(ctx, &core.GroupRecord{Namespace: "ns", Tenant: "t1", GroupKey: "due", FlushAt: now.Add(-time.Second)})
	_ = s.OpenGroup(ctx, &core.GroupRecord{Namespace: "ns", Tenant: "t1", GroupKey: "notdue", FlushAt: now.Add(time.Hour)})

	due, err := s.ListDueGroups(ctx, "ns", now)
	if err != nil {
		t.Fatalf("ListDueGroups: %v", err)
	}
	if len(due) != 1 || due[0].GroupKey != "due" {
		t.Fatalf("expected exactly the 'due' group, got %+v", due)
	}
}

func TestMemoryStore_ScheduledClaimIsOnceOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore(func() time.Time { return now })

	if err := s.EnqueueScheduled(ctx, "ns", &core.Action{ID: "a1"}, now.Add(-time.Minute)); err != nil {
		t.Fatalf("EnqueueScheduled: %v", err)
	}
	if err := s.EnqueueScheduled(ctx, "ns", &core.Action{ID: "a2"}, now.Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueScheduled: %v", err)
	}

	claimed, err := s.ClaimDueScheduled(ctx, "ns", now, 10)
	if err != nil {
		t.Fatalf("ClaimDueScheduled: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "a1" {
		t.Fatalf("expected only the due action a1 to be claimed, got %+v", claimed)
	}

	again, err := s.ClaimDueScheduled(ctx, "ns", now, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected a second claim pass to return nothing, got %+v, err=%v", again, err)
	}
}

func TestMemoryStore_AuditAppendQueryGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	rec := &core.AuditRecord{ID: "rec1", Namespace: "ns", Tenant: "t1", ActionID: "a1", RecordedAt: time.Now()}
	if err := s.AppendAudit(ctx, rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	got, err := s.GetAudit(ctx, "ns", "rec1")
	if err != nil || got.ActionID != "a1" {
		t.Fatalf("GetAudit: got %+v, err=%v", got, err)
	}

	results, err := s.QueryAudit(ctx, "ns", "t1", time.Time{}, time.Time{}, 0)
	if err != nil || len(results) != 1 {
		t.Fatalf("QueryAudit with limit=0 should return all records, got %d, err=%v", len(results), err)
	}

	if _, err := s.GetAudit(ctx, "ns", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a missing audit id, got %v", err)
	}
}

func TestMemoryStore_QueryAuditRespectsLimitAndTimeRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	base := time.Now()
	for i := 0; i < 3; i++ {
		_ = s.AppendAudit(ctx, &core.AuditRecord{
			ID: core.NewID(), Namespace: "ns", Tenant: "t1", ActionID: "a",
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	limited, err := s.QueryAudit(ctx, "ns", "t1", time.Time{}, time.Time{}, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected QueryAudit to respect limit=2, got %d, err=%v", len(limited), err)
	}

	since := base.Add(90 * time.Second)
	windowed, err := s.QueryAudit(ctx, "ns", "t1", since, time.Time{}, 0)
	if err != nil || len(windowed) != 1 {
		t.Fatalf("expected only the last record after since=%v, got %d, err=%v", since, len(windowed), err)
	}
}

func TestMemoryStore_DLQEnqueueDrainStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	_ = s.EnqueueDLQ(ctx, &core.DLQEntry{Namespace: "ns", Reason: core.DLQReason("provider_error"), FailedAt: time.Now()})
	_ = s.EnqueueDLQ(ctx, &core.DLQEntry{Namespace: "ns", Reason: core.DLQReason("provider_error"), FailedAt: time.Now()})

	stats, err := s.DLQStats(ctx, "ns")
	if err != nil || stats.Count != 2 {
		t.Fatalf("expected DLQ count 2, got %d, err=%v", stats.Count, err)
	}

	drained, err := s.DrainDLQ(ctx, "ns", 1)
	if err != nil || len(drained) != 1 {
		t.Fatalf("expected DrainDLQ(limit=1) to return 1 entry, got %d, err=%v", len(drained), err)
	}

	statsAfter, err := s.DLQStats(ctx, "ns")
	if err != nil || statsAfter.Count != 1 {
		t.Fatalf("expected 1 remaining DLQ entry after drain, got %d, err=%v", statsAfter.Count, err)
	}
}

func TestMemoryStore_ApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Now)

	rec := &core.ApprovalRecord{Namespace: "ns", TokenID: "tok1", Status: core.ApprovalPending, CreatedAt: time.Now()}
	if err := s.SaveApproval(ctx, rec); err != nil {
		t.Fatalf("SaveApproval: %v", err)
	}

	got, err := s.GetApproval(ctx, "ns", "tok1")
	if err != nil || got.Status != core.ApprovalPending {
		t.Fatalf("GetApproval: got %+v, err=%v", got, err)
	}

	pending, err := s.ListApprovals(ctx, "ns", core.ApprovalPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListApprovals(pending): got %d, err=%v", len(pending), err)
	}

	rec.Status = core.ApprovalApproved
	if err := s.SaveApproval(ctx, rec); err != nil {
		t.Fatalf("SaveApproval (update): %v", err)
	}
	approved, err := s.ListApprovals(ctx, "ns", core.ApprovalApproved)
	if err != nil || len(approved) != 1 {
		t.Fatalf("ListApprovals(approved) after status change: got %d, err=%v", len(approved), err)
	}
}
