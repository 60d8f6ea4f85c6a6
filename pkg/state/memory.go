package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/pkg/core"
)

// MemoryStore is an in-process Store implementation, grounded on the
// teacher's infrastructure/state.MemoryBackend: every collection is a plain
// map protected by one mutex. It is the default backend for tests and for
// single-process deployments; it carries no cross-process consistency
// guarantees (spec.md §1 Non-goals).
type MemoryStore struct {
	mu sync.Mutex

	locks    map[string]*core.Lock
	dedup    map[string]time.Time
	counters map[string]*counterWindow
	events   map[string]*core.EventRecord
	groups   map[string]*core.GroupRecord
	sched    []scheduledEntry
	audit    map[string][]*core.AuditRecord
	chains   map[string]*core.ChainInstance
	dlq      map[string][]*core.DLQEntry
	approvals map[string]*core.ApprovalRecord

	now func() time.Time
}

type counterWindow struct {
	count      int
	windowEnds time.Time
}

type scheduledEntry struct {
	namespace string
	action    *core.Action
	at        time.Time
	claimed   bool
}

// NewMemoryStore constructs an empty MemoryStore. clock defaults to
// time.Now when nil, overridable in tests.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		locks:    make(map[string]*core.Lock),
		dedup:    make(map[string]time.Time),
		counters: make(map[string]*counterWindow),
		events:   make(map[string]*core.EventRecord),
		groups:   make(map[string]*core.GroupRecord),
		audit:    make(map[string][]*core.AuditRecord),
		chains:   make(map[string]*core.ChainInstance),
		dlq:      make(map[string][]*core.DLQEntry),
		approvals: make(map[string]*core.ApprovalRecord),
		now:      clock,
	}
}

func approvalKey(namespace, tokenID string) string { return namespace + "/" + tokenID }

func lockKey(kind, key string) string { return kind + "/" + key }

func (s *MemoryStore) AcquireLock(_ context.Context, kind, key string, ttl time.Duration) (*core.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey(kind, key)
	now := s.now()
	if existing, ok := s.locks[k]; ok && existing.ExpiresAt.After(now) {
		return nil, errors.LockBusy(kind, key)
	}
	lock := &core.Lock{Kind: kind, Key: key, Token: core.NewID(), ExpiresAt: now.Add(ttl)}
	s.locks[k] = lock
	return lock, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, lock *core.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey(lock.Kind, lock.Key)
	if existing, ok := s.locks[k]; ok && existing.Token == lock.Token {
		delete(s.locks, k)
	}
	return nil
}

func (s *MemoryStore) RenewLock(_ context.Context, lock *core.Lock, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey(lock.Kind, lock.Key)
	existing, ok := s.locks[k]
	if !ok || existing.Token != lock.Token {
		return errors.LockBusy(lock.Kind, lock.Key)
	}
	existing.ExpiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) SetDedup(_ context.Context, namespace, tenant, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := namespace + "/" + tenant + "/" + key
	now := s.now()
	if expiresAt, ok := s.dedup[k]; ok && expiresAt.After(now) {
		return false, nil
	}
	s.dedup[k] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) IncrCounter(_ context.Context, namespace, scope string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := namespace + "/" + scope
	now := s.now()
	cw, ok := s.counters[k]
	if !ok || now.After(cw.windowEnds) {
		cw = &counterWindow{count: 0, windowEnds: now.Add(window)}
		s.counters[k] = cw
	}
	cw.count++
	return cw.count, nil
}

func eventKey(namespace, tenant, sm, fingerprint string) string {
	return namespace + "/" + tenant + "/" + sm + "/" + fingerprint
}

func (s *MemoryStore) LoadEvent(_ context.Context, namespace, tenant, sm, fingerprint string) (*core.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventKey(namespace, tenant, sm, fingerprint)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) StoreEvent(_ context.Context, rec *core.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := eventKey(rec.Namespace, rec.Tenant, rec.StateMachine, rec.Fingerprint)
	existing, ok := s.events[k]
	if ok && existing.Version != rec.Version {
		return errors.New(errors.KindTransient, errors.CodeStoreConflict, "event record version conflict")
	}
	cp := *rec
	cp.Version++
	s.events[k] = &cp
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, namespace, tenant string, status core.EventState) ([]*core.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.EventRecord
	for _, rec := range s.events {
		if rec.Namespace != namespace {
			continue
		}
		if tenant != "" && rec.Tenant != tenant {
			continue
		}
		if status != "" && rec.State != status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}

func (s *MemoryStore) DueEvents(_ context.Context, namespace string, asOf time.Time) ([]*core.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*core.EventRecord
	for _, rec := range s.events {
		if rec.Namespace != namespace || rec.TimeoutAt.IsZero() {
			continue
		}
		if !rec.TimeoutAt.After(asOf) {
			cp := *rec
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TimeoutAt.Before(due[j].TimeoutAt) })
	return due, nil
}

func groupKeyOf(namespace, tenant, groupKey string) string { return namespace + "/" + tenant + "/" + groupKey }

func (s *MemoryStore) OpenGroup(_ context.Context, rec *core.GroupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := groupKeyOf(rec.Namespace, rec.Tenant, rec.GroupKey)
	if _, exists := s.groups[k]; exists {
		return nil
	}
	cp := *rec
	s.groups[k] = &cp
	return nil
}

func (s *MemoryStore) AppendGroup(_ context.Context, namespace, tenant, groupKey string, action *core.Action) (*core.GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := groupKeyOf(namespace, tenant, groupKey)
	rec, ok := s.groups[k]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Members = append(rec.Members, action)
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) FlushGroup(_ context.Context, namespace, tenant, groupKey string) (*core.GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := groupKeyOf(namespace, tenant, groupKey)
	rec, ok := s.groups[k]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.groups, k)
	return rec, nil
}

func (s *MemoryStore) ListGroups(_ context.Context, namespace, tenant string) ([]*core.GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.GroupRecord
	for _, rec := range s.groups {
		if rec.Namespace != namespace {
			continue
		}
		if tenant != "" && rec.Tenant != tenant {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) SetGroupDeadline(_ context.Context, namespace, tenant, groupKey string, flushAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.groups[groupKeyOf(namespace, tenant, groupKey)]
	if !ok {
		return ErrNotFound
	}
	rec.FlushAt = flushAt
	rec.Version++
	return nil
}

func (s *MemoryStore) ListDueGroups(_ context.Context, namespace string, asOf time.Time) ([]*core.GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*core.GroupRecord
	for _, rec := range s.groups {
		if rec.Namespace != namespace {
			continue
		}
		if !rec.FlushAt.After(asOf) || (rec.MaxSize > 0 && len(rec.Members) >= rec.MaxSize) {
			cp := *rec
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FlushAt.Before(due[j].FlushAt) })
	return due, nil
}

func (s *MemoryStore) EnqueueScheduled(_ context.Context, namespace string, action *core.Action, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sched = append(s.sched, scheduledEntry{namespace: namespace, action: action, at: at})
	return nil
}

func (s *MemoryStore) ClaimDueScheduled(_ context.Context, namespace string, asOf time.Time, limit int) ([]*core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*core.Action
	for i := range s.sched {
		entry := &s.sched[i]
		if entry.claimed || entry.namespace != namespace || entry.at.After(asOf) {
			continue
		}
		entry.claimed = true
		claimed = append(claimed, entry.action)
		if limit > 0 && len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, rec *core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rec.Namespace + "/" + rec.Tenant
	s.audit[k] = append(s.audit[k], rec)
	return nil
}

func (s *MemoryStore) QueryAudit(_ context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := namespace + "/" + tenant
	var out []*core.AuditRecord
	for _, rec := range s.audit[k] {
		if !since.IsZero() && rec.RecordedAt.Before(since) {
			continue
		}
		if !until.IsZero() && rec.RecordedAt.After(until) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAudit(_ context.Context, namespace, id string) (*core.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, records := range s.audit {
		for _, rec := range records {
			if rec.Namespace == namespace && rec.ID == id {
				return rec, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveChain(_ context.Context, inst *core.ChainInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := inst.Namespace + "/" + inst.ID
	existing, ok := s.chains[k]
	if ok && existing.Version != inst.Version {
		return errors.New(errors.KindTransient, errors.CodeStoreConflict, "chain instance version conflict")
	}
	cp := *inst
	cp.Version++
	s.chains[k] = &cp
	return nil
}

func (s *MemoryStore) LoadChain(_ context.Context, namespace, id string) (*core.ChainInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[namespace+"/"+id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListChains(_ context.Context, namespace string) ([]*core.ChainInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.ChainInstance
	for _, rec := range s.chains {
		if rec.Namespace == namespace {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) EnqueueDLQ(_ context.Context, entry *core.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dlq[entry.Namespace] = append(s.dlq[entry.Namespace], entry)
	return nil
}

func (s *MemoryStore) DrainDLQ(_ context.Context, namespace string, limit int) ([]*core.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.dlq[namespace]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	drained := entries[:limit]
	s.dlq[namespace] = entries[limit:]
	return drained, nil
}

func (s *MemoryStore) DLQStats(_ context.Context, namespace string) (*core.DLQStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &core.DLQStats{Namespace: namespace, ByReason: make(map[core.DLQReason]int)}
	for _, entry := range s.dlq[namespace] {
		stats.Count++
		stats.ByReason[entry.Reason]++
		if stats.OldestAt.IsZero() || entry.FailedAt.Before(stats.OldestAt) {
			stats.OldestAt = entry.FailedAt
		}
	}
	return stats, nil
}

func (s *MemoryStore) SaveApproval(_ context.Context, rec *core.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.approvals[approvalKey(rec.Namespace, rec.TokenID)] = rec
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, namespace, tokenID string) (*core.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.approvals[approvalKey(namespace, tokenID)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, namespace string, status core.ApprovalStatus) ([]*core.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.ApprovalRecord
	for _, rec := range s.approvals {
		if rec.Namespace != namespace {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
