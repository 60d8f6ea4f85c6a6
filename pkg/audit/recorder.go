// Package audit implements the Audit Recorder (spec.md §4.8): an append-only
// log of every dispatched Action's verdict and outcome, per (namespace,
// tenant), with redaction applied before an optional tamper-evident hash
// chain is computed.
//
// Grounded on spec.md §4.8 directly (no teacher equivalent for the record
// shape), reusing the teacher's infrastructure/redaction.Redactor for the
// pre-hash redaction step and golang.org/x/crypto/blake2b for hashing
// (the same hash family pkg/eventsm already uses for fingerprinting).
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/acteon/gateway/infrastructure/redaction"
	"github.com/acteon/gateway/pkg/core"
)

// Backend is the narrow persistence surface a Recorder needs. pkg/state.Store
// satisfies it directly; PostgresBackend (postgres.go) is the optional
// durable alternative.
type Backend interface {
	AppendAudit(ctx context.Context, rec *core.AuditRecord) error
	QueryAudit(ctx context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error)
	GetAudit(ctx context.Context, namespace, id string) (*core.AuditRecord, error)
}

// IDGenerator produces a new audit record ID; overridable in tests.
type IDGenerator func() string

// Config controls the Recorder's redaction and hash-chain behavior.
type Config struct {
	// HashChain enables the tamper-evident prev_hash/self_hash linkage.
	// When disabled, records are still appended but carry no hash fields.
	HashChain bool
	Redactor  *redaction.Redactor
	NewID     IDGenerator
}

// DefaultConfig returns a Recorder configuration with hash chaining enabled
// and the teacher's default secret-redaction rules.
func DefaultConfig() Config {
	return Config{
		HashChain: true,
		Redactor:  redaction.NewRedactor(redaction.DefaultConfig()),
	}
}

// Recorder implements the Audit Recorder operations (audit::append,
// audit::query, audit::get, audit::verify_chain).
type Recorder struct {
	backend  Backend
	cfg      Config
	mu       sync.Mutex
	lastHash map[string][]byte // keyed by namespace+"\x1f"+tenant, cache of the last SelfHash appended
}

// New creates a Recorder writing through to backend.
func New(backend Backend, cfg Config) *Recorder {
	if cfg.Redactor == nil {
		cfg.Redactor = redaction.NewRedactor(redaction.DefaultConfig())
	}
	return &Recorder{
		backend:  backend,
		cfg:      cfg,
		lastHash: make(map[string][]byte),
	}
}

func chainKey(namespace, tenant string) string {
	return namespace + "\x1f" + tenant
}

// Append redacts rec's payload, computes the hash-chain link (if enabled),
// and persists it (audit::append). rec.ID is assigned if empty.
func (r *Recorder) Append(ctx context.Context, rec *core.AuditRecord) error {
	if rec.ID == "" {
		if r.cfg.NewID != nil {
			rec.ID = r.cfg.NewID()
		} else {
			rec.ID = newRandomID()
		}
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	redacted := r.cfg.Redactor.RedactMap(map[string]interface{}(rec.Payload))
	rec.Payload, rec.Redacted = core.Payload(redacted), redactedFieldNames(rec.Payload, redacted)

	if r.cfg.HashChain {
		prev, err := r.previousHash(ctx, rec.Namespace, rec.Tenant)
		if err != nil {
			return fmt.Errorf("load previous audit hash: %w", err)
		}
		rec.PrevHash = prev
		self, err := selfHash(prev, rec)
		if err != nil {
			return fmt.Errorf("compute audit hash: %w", err)
		}
		rec.SelfHash = self
	}

	if err := r.backend.AppendAudit(ctx, rec); err != nil {
		return err
	}

	if r.cfg.HashChain {
		r.mu.Lock()
		r.lastHash[chainKey(rec.Namespace, rec.Tenant)] = rec.SelfHash
		r.mu.Unlock()
	}
	return nil
}

// previousHash returns the chain tip for (namespace, tenant): the cached
// in-process value if present, else the SelfHash of the most recently
// stored record, else nil for a fresh chain.
func (r *Recorder) previousHash(ctx context.Context, namespace, tenant string) ([]byte, error) {
	key := chainKey(namespace, tenant)

	r.mu.Lock()
	if h, ok := r.lastHash[key]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	recs, err := r.backend.QueryAudit(ctx, namespace, tenant, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[len(recs)-1].SelfHash, nil
}

// Query backs audit::query: returns records for (namespace, tenant) within
// [since, until), newest-last, bounded by limit.
func (r *Recorder) Query(ctx context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error) {
	return r.backend.QueryAudit(ctx, namespace, tenant, since, until, limit)
}

// Get backs audit::get.
func (r *Recorder) Get(ctx context.Context, namespace, id string) (*core.AuditRecord, error) {
	return r.backend.GetAudit(ctx, namespace, id)
}

// ChainBreak describes the first record whose hash linkage failed to verify.
type ChainBreak struct {
	RecordID string
	Reason   string
}

// VerifyChain recomputes the hash chain for (namespace, tenant) over
// [since, until) and reports the first broken link, if any (audit::verify_chain).
func (r *Recorder) VerifyChain(ctx context.Context, namespace, tenant string, since, until time.Time) (*ChainBreak, error) {
	recs, err := r.backend.QueryAudit(ctx, namespace, tenant, since, until, 0)
	if err != nil {
		return nil, err
	}
	var prev []byte
	for _, rec := range recs {
		if !bytes.Equal(rec.PrevHash, prev) {
			return &ChainBreak{RecordID: rec.ID, Reason: "prev_hash does not match prior record's self_hash"}, nil
		}
		want, err := selfHash(prev, rec)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(rec.SelfHash, want) {
			return &ChainBreak{RecordID: rec.ID, Reason: "self_hash does not match recomputed hash"}, nil
		}
		prev = rec.SelfHash
	}
	return nil, nil
}

// selfHash computes H(prev_hash ‖ canonical_serialize(record_without_hashes)).
func selfHash(prev []byte, rec *core.AuditRecord) ([]byte, error) {
	stripped := *rec
	stripped.PrevHash, stripped.SelfHash = nil, nil
	canon, err := canonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(prev)
	h.Write(canon)
	return h.Sum(nil), nil
}

// canonicalJSON serializes v with map keys sorted, so the hash is stable
// regardless of Go map iteration order.
func canonicalJSON(v core.AuditRecord) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// redactedFieldNames diffs before/after maps (shallow, top-level only) to
// report which field names the Redactor rewrote.
func redactedFieldNames(before, after core.Payload) []string {
	var names []string
	for k, v := range before {
		if av, ok := after[k]; !ok || fmt.Sprint(av) != fmt.Sprint(v) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// newRandomID derives an ID from the current time when the caller supplies
// no IDGenerator. Not collision-proof under a tight loop on the same
// namespace/tenant; callers needing that guarantee should set Config.NewID.
func newRandomID() string {
	now := time.Now().UTC().Format("20060102T150405.000000000")
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(now))
	return fmt.Sprintf("aud_%s_%x", now, h.Sum(nil))
}
