// Package state defines the backend-agnostic Store abstraction (spec.md
// §4.1) that every other Acteon component depends on, plus an in-memory
// implementation and an optional Redis-backed implementation.
//
// Grounded on the teacher's infrastructure/state.PersistenceBackend /
// MemoryBackend / PersistentState: a small capability interface plus a
// map-backed reference implementation protected by a single mutex.
package state

import (
	"context"
	"time"

	"github.com/acteon/gateway/pkg/core"
)

// Store is the capability interface every Acteon component (Rule Evaluator
// excluded — it is pure) depends on instead of a concrete database driver
// (spec.md §4.1). Implementations must be safe for concurrent use.
type Store interface {
	// Locks (distributed mutual exclusion, §4.1).
	AcquireLock(ctx context.Context, kind, key string, ttl time.Duration) (*core.Lock, error)
	ReleaseLock(ctx context.Context, lock *core.Lock) error
	RenewLock(ctx context.Context, lock *core.Lock, ttl time.Duration) error

	// Dedup markers, keyed by the (namespace,tenant,key) triple spec.md §4.1
	// and §6's dedup:{ns}:{tenant}:{key} layout require, so two tenants
	// reusing the same dedup_key in one namespace never collide.
	SetDedup(ctx context.Context, namespace, tenant, key string, ttl time.Duration) (bool, error)

	// Fixed-window counters, used by Throttle verdicts.
	IncrCounter(ctx context.Context, namespace, scope string, window time.Duration) (int, error)

	// Event State-Machine persistence (§4.7), keyed by (namespace,tenant,
	// state_machine,fingerprint) per spec.md §3.
	LoadEvent(ctx context.Context, namespace, tenant, stateMachine, fingerprint string) (*core.EventRecord, error)
	StoreEvent(ctx context.Context, rec *core.EventRecord) error
	DueEvents(ctx context.Context, namespace string, asOf time.Time) ([]*core.EventRecord, error)
	ListEvents(ctx context.Context, namespace, tenant string, status core.EventState) ([]*core.EventRecord, error)

	// Group Batcher persistence (§4.6), scoped to (namespace,tenant,policy).
	OpenGroup(ctx context.Context, rec *core.GroupRecord) error
	AppendGroup(ctx context.Context, namespace, tenant, groupKey string, action *core.Action) (*core.GroupRecord, error)
	FlushGroup(ctx context.Context, namespace, tenant, groupKey string) (*core.GroupRecord, error)
	ListDueGroups(ctx context.Context, namespace string, asOf time.Time) ([]*core.GroupRecord, error)
	ListGroups(ctx context.Context, namespace, tenant string) ([]*core.GroupRecord, error)
	SetGroupDeadline(ctx context.Context, namespace, tenant, groupKey string, flushAt time.Time) error

	// Scheduled actions (Schedule verdict release, §4.4/§4.9).
	EnqueueScheduled(ctx context.Context, namespace string, action *core.Action, at time.Time) error
	ClaimDueScheduled(ctx context.Context, namespace string, asOf time.Time, limit int) ([]*core.Action, error)

	// Audit log (§4.8).
	AppendAudit(ctx context.Context, rec *core.AuditRecord) error
	QueryAudit(ctx context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error)
	GetAudit(ctx context.Context, namespace, id string) (*core.AuditRecord, error)

	// Chain Runner persistence (§4.5).
	SaveChain(ctx context.Context, inst *core.ChainInstance) error
	LoadChain(ctx context.Context, namespace, id string) (*core.ChainInstance, error)
	ListChains(ctx context.Context, namespace string) ([]*core.ChainInstance, error)

	// Dead-letter queue (§4.3).
	EnqueueDLQ(ctx context.Context, entry *core.DLQEntry) error
	DrainDLQ(ctx context.Context, namespace string, limit int) ([]*core.DLQEntry, error)
	DLQStats(ctx context.Context, namespace string) (*core.DLQStats, error)

	// Pending approvals (Approval verdict, §4.4).
	SaveApproval(ctx context.Context, rec *core.ApprovalRecord) error
	GetApproval(ctx context.Context, namespace, tokenID string) (*core.ApprovalRecord, error)
	ListApprovals(ctx context.Context, namespace string, status core.ApprovalStatus) ([]*core.ApprovalRecord, error)
}

// ErrNotFound is returned by Load/Get operations that find nothing, mirroring
// the teacher's PersistenceBackend contract.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrNotFound is returned when a lookup finds no record.
const ErrNotFound = notFoundError("state: not found")
