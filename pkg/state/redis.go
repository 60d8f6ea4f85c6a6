package state

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acteon/gateway/internal/errors"
	"github.com/acteon/gateway/pkg/core"
)

// RedisStore is a Redis-backed Store. Scalar capabilities (locks, dedup,
// counters) map directly onto Redis primitives (SETNX, INCR+EXPIRE);
// structured records (events, groups, chains, audit, DLQ) are stored as JSON
// values under namespaced keys, following the teacher's TTLCache key-prefix
// convention (infrastructure/cache.TTLCache) generalized to a real shared
// backend instead of an in-process map.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "acteon:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) k(parts ...string) string {
	out := r.keyPrefix
	for i, p := range parts {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

func (r *RedisStore) AcquireLock(ctx context.Context, kind, key string, ttl time.Duration) (*core.Lock, error) {
	token := core.NewID()
	redisKey := r.k("lock", kind, key)
	ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("acquire_lock", err)
	}
	if !ok {
		return nil, errors.LockBusy(kind, key)
	}
	return &core.Lock{Kind: kind, Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

// releaseScript deletes the key only if the value still matches our token,
// avoiding releasing a lock another caller has since acquired after expiry.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end`

func (r *RedisStore) ReleaseLock(ctx context.Context, lock *core.Lock) error {
	redisKey := r.k("lock", lock.Kind, lock.Key)
	if err := r.client.Eval(ctx, releaseScript, []string{redisKey}, lock.Token).Err(); err != nil {
		return errors.StoreUnavailable("release_lock", err)
	}
	return nil
}

func (r *RedisStore) RenewLock(ctx context.Context, lock *core.Lock, ttl time.Duration) error {
	redisKey := r.k("lock", lock.Kind, lock.Key)
	res, err := r.client.Eval(ctx, renewScript, []string{redisKey}, lock.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.StoreUnavailable("renew_lock", err)
	}
	if res == 0 {
		return errors.LockBusy(lock.Kind, lock.Key)
	}
	return nil
}

func (r *RedisStore) SetDedup(ctx context.Context, namespace, tenant, key string, ttl time.Duration) (bool, error) {
	redisKey := r.k("dedup", namespace, tenant, key)
	ok, err := r.client.SetNX(ctx, redisKey, "1", ttl).Result()
	if err != nil {
		return false, errors.StoreUnavailable("set_dedup", err)
	}
	return ok, nil
}

func (r *RedisStore) IncrCounter(ctx context.Context, namespace, scope string, window time.Duration) (int, error) {
	redisKey := r.k("counter", namespace, scope)
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, errors.StoreUnavailable("incr_counter", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return 0, errors.StoreUnavailable("incr_counter", err)
		}
	}
	return int(count), nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, out interface{}) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return errors.StoreUnavailable("get", err)
	}
	return json.Unmarshal(raw, out)
}

func (r *RedisStore) putJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Internal(err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return errors.StoreUnavailable("put", err)
	}
	return nil
}

func (r *RedisStore) LoadEvent(ctx context.Context, namespace, tenant, sm, fingerprint string) (*core.EventRecord, error) {
	var rec core.EventRecord
	if err := r.getJSON(ctx, r.k("event", namespace, tenant, sm, fingerprint), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStore) StoreEvent(ctx context.Context, rec *core.EventRecord) error {
	rec.Version++
	key := r.k("event", rec.Namespace, rec.Tenant, rec.StateMachine, rec.Fingerprint)
	if err := r.putJSON(ctx, key, rec, 0); err != nil {
		return err
	}
	zkey := r.k("event-timeouts", rec.Namespace)
	if rec.TimeoutAt.IsZero() {
		r.client.ZRem(ctx, zkey, key)
		return nil
	}
	return r.client.ZAdd(ctx, zkey, redis.Z{Score: float64(rec.TimeoutAt.Unix()), Member: key}).Err()
}

// DueEvents answers from the event-timeouts sorted set that StoreEvent
// maintains (score = TimeoutAt in Unix seconds), loading every record whose
// timeout is at or before asOf; records that fail to load are skipped.
func (r *RedisStore) DueEvents(ctx context.Context, namespace string, asOf time.Time) ([]*core.EventRecord, error) {
	members, err := r.client.ZRangeByScore(ctx, r.k("event-timeouts", namespace), &redis.ZRangeBy{
		Min: "-inf", Max: formatScore(asOf),
	}).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("due_events", err)
	}
	var out []*core.EventRecord
	for _, m := range members {
		var rec core.EventRecord
		if err := r.getJSON(ctx, m, &rec); err == nil {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// ListEvents shares DueEvents' constraint in the other direction: the
// event-timeouts ZSET only indexes records carrying a live timeout, so it
// cannot answer "every event record for this (namespace,tenant)". A full
// deployment would maintain a second, unconditional `events:{ns}:{tenant}`
// SET index alongside StoreEvent; this reference backend does not.
func (r *RedisStore) ListEvents(ctx context.Context, namespace, tenant string, status core.EventState) ([]*core.EventRecord, error) {
	return nil, errors.New(errors.KindFatal, errors.CodeConfigError,
		"redis store: ListEvents requires a namespace index; use MemoryStore or extend with a SET index")
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func (r *RedisStore) OpenGroup(ctx context.Context, rec *core.GroupRecord) error {
	key := r.k("group", rec.Namespace, rec.Tenant, rec.GroupKey)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return errors.StoreUnavailable("open_group", err)
	}
	if exists > 0 {
		return nil
	}
	return r.putJSON(ctx, key, rec, 0)
}

func (r *RedisStore) AppendGroup(ctx context.Context, namespace, tenant, groupKey string, action *core.Action) (*core.GroupRecord, error) {
	key := r.k("group", namespace, tenant, groupKey)
	var rec core.GroupRecord
	if err := r.getJSON(ctx, key, &rec); err != nil {
		return nil, err
	}
	rec.Members = append(rec.Members, action)
	rec.Version++
	if err := r.putJSON(ctx, key, &rec, 0); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStore) FlushGroup(ctx context.Context, namespace, tenant, groupKey string) (*core.GroupRecord, error) {
	key := r.k("group", namespace, tenant, groupKey)
	var rec core.GroupRecord
	if err := r.getJSON(ctx, key, &rec); err != nil {
		return nil, err
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return nil, errors.StoreUnavailable("flush_group", err)
	}
	return &rec, nil
}

func (r *RedisStore) SetGroupDeadline(ctx context.Context, namespace, tenant, groupKey string, flushAt time.Time) error {
	key := r.k("group", namespace, tenant, groupKey)
	var rec core.GroupRecord
	if err := r.getJSON(ctx, key, &rec); err != nil {
		return err
	}
	rec.FlushAt = flushAt
	return r.putJSON(ctx, key, &rec, 0)
}

// ListDueGroups, like DueEvents, depends on a secondary index a pure
// key/value API can't scan efficiently; left as a documented limitation of
// this reference Redis backend (real deployments would maintain a ZSET of
// flush deadlines alongside OpenGroup/AppendGroup).
func (r *RedisStore) ListDueGroups(ctx context.Context, namespace string, asOf time.Time) ([]*core.GroupRecord, error) {
	return nil, errors.New(errors.KindFatal, errors.CodeConfigError,
		"redis store: ListDueGroups requires a flush-deadline index; use MemoryStore or extend with a ZSET index")
}

// ListGroups shares ListDueGroups' limitation: a reference backend without
// a namespace-scoped secondary index over `group:{ns}:{tenant}:*` keys.
func (r *RedisStore) ListGroups(ctx context.Context, namespace, tenant string) ([]*core.GroupRecord, error) {
	return nil, errors.New(errors.KindFatal, errors.CodeConfigError,
		"redis store: ListGroups requires a namespace index; use MemoryStore or extend with a SET index")
}

func (r *RedisStore) EnqueueScheduled(ctx context.Context, namespace string, action *core.Action, at time.Time) error {
	key := r.k("scheduled", namespace, core.NewID())
	entry := struct {
		Action *core.Action
		At     time.Time
	}{action, at}
	return r.putJSON(ctx, key, entry, 0)
}

func (r *RedisStore) ClaimDueScheduled(ctx context.Context, namespace string, asOf time.Time, limit int) ([]*core.Action, error) {
	return nil, errors.New(errors.KindFatal, errors.CodeConfigError,
		"redis store: ClaimDueScheduled requires a due-time index; use MemoryStore or extend with a ZSET index")
}

func (r *RedisStore) AppendAudit(ctx context.Context, rec *core.AuditRecord) error {
	return r.putJSON(ctx, r.k("audit", rec.Namespace, rec.Tenant, rec.ID), rec, 0)
}

func (r *RedisStore) QueryAudit(ctx context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error) {
	pattern := r.k("audit", namespace, tenant) + ":*"
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("query_audit", err)
	}
	var out []*core.AuditRecord
	for _, key := range keys {
		var rec core.AuditRecord
		if err := r.getJSON(ctx, key, &rec); err != nil {
			continue
		}
		if !since.IsZero() && rec.RecordedAt.Before(since) {
			continue
		}
		if !until.IsZero() && rec.RecordedAt.After(until) {
			continue
		}
		out = append(out, &rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RedisStore) GetAudit(ctx context.Context, namespace, id string) (*core.AuditRecord, error) {
	pattern := r.k("audit", namespace) + ":*:" + id
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("get_audit", err)
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	var rec core.AuditRecord
	if err := r.getJSON(ctx, keys[0], &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStore) SaveChain(ctx context.Context, inst *core.ChainInstance) error {
	inst.Version++
	return r.putJSON(ctx, r.k("chain", inst.Namespace, inst.ID), inst, 0)
}

func (r *RedisStore) LoadChain(ctx context.Context, namespace, id string) (*core.ChainInstance, error) {
	var inst core.ChainInstance
	if err := r.getJSON(ctx, r.k("chain", namespace, id), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *RedisStore) ListChains(ctx context.Context, namespace string) ([]*core.ChainInstance, error) {
	pattern := r.k("chain", namespace) + ":*"
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("list_chains", err)
	}
	var out []*core.ChainInstance
	for _, key := range keys {
		var inst core.ChainInstance
		if err := r.getJSON(ctx, key, &inst); err == nil {
			out = append(out, &inst)
		}
	}
	return out, nil
}

func (r *RedisStore) EnqueueDLQ(ctx context.Context, entry *core.DLQEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Internal(err)
	}
	if err := r.client.RPush(ctx, r.k("dlq", entry.Namespace), raw).Err(); err != nil {
		return errors.StoreUnavailable("enqueue_dlq", err)
	}
	return nil
}

func (r *RedisStore) DrainDLQ(ctx context.Context, namespace string, limit int) ([]*core.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	key := r.k("dlq", namespace)
	raws, err := r.client.LPopCount(ctx, key, limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreUnavailable("drain_dlq", err)
	}
	out := make([]*core.DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var entry core.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (r *RedisStore) DLQStats(ctx context.Context, namespace string) (*core.DLQStats, error) {
	key := r.k("dlq", namespace)
	raws, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("dlq_stats", err)
	}
	stats := &core.DLQStats{Namespace: namespace, ByReason: make(map[core.DLQReason]int)}
	for _, raw := range raws {
		var entry core.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		stats.Count++
		stats.ByReason[entry.Reason]++
		if stats.OldestAt.IsZero() || entry.FailedAt.Before(stats.OldestAt) {
			stats.OldestAt = entry.FailedAt
		}
	}
	return stats, nil
}

func (r *RedisStore) SaveApproval(ctx context.Context, rec *core.ApprovalRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Internal(err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.k("approval", rec.Namespace, rec.TokenID), raw, 0)
	pipe.SAdd(ctx, r.k("approvals", rec.Namespace), rec.TokenID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StoreUnavailable("save_approval", err)
	}
	return nil
}

func (r *RedisStore) GetApproval(ctx context.Context, namespace, tokenID string) (*core.ApprovalRecord, error) {
	raw, err := r.client.Get(ctx, r.k("approval", namespace, tokenID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.StoreUnavailable("get_approval", err)
	}
	var rec core.ApprovalRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Internal(err)
	}
	return &rec, nil
}

func (r *RedisStore) ListApprovals(ctx context.Context, namespace string, status core.ApprovalStatus) ([]*core.ApprovalRecord, error) {
	tokenIDs, err := r.client.SMembers(ctx, r.k("approvals", namespace)).Result()
	if err != nil {
		return nil, errors.StoreUnavailable("list_approvals", err)
	}
	out := make([]*core.ApprovalRecord, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		rec, err := r.GetApproval(ctx, namespace, tokenID)
		if err != nil {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
