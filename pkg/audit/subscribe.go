package audit

import (
	"context"
	"fmt"

	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/pgnotify"
)

// Subscription backs the optional audit::subscribe/audit::stream operations
// when the Recorder is paired with a Postgres backend: every row appended to
// audit_log is delivered as a *core.AuditRecord over Records, until Close is
// called or ctx is done.
type Subscription struct {
	Records chan *core.AuditRecord
	close   func() error
}

// Close stops delivering further records and releases the LISTEN channel.
func (s *Subscription) Close() error {
	return s.close()
}

// SubscribeAuditLog opens a Subscription over bus's "realtime:audit_log"
// channel, restricted to INSERTs for namespace. bus must be listening
// against the same database as the Recorder's PostgresBackend.
func SubscribeAuditLog(ctx context.Context, bus *pgnotify.Bus, namespace string) (*Subscription, error) {
	records := make(chan *core.AuditRecord, 64)

	sub, err := bus.OnInsert("audit_log", func(_ context.Context, newRow map[string]interface{}) error {
		rec, ok := rowToAuditRecord(newRow)
		if !ok || rec.Namespace != namespace {
			return nil
		}
		select {
		case records <- rec:
		default:
			// Slow subscriber: drop rather than block the notify listener goroutine.
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe audit log: %w", err)
	}

	return &Subscription{
		Records: records,
		close: func() error {
			return bus.UnsubscribeTable(sub)
		},
	}, nil
}

// rowToAuditRecord converts a pgnotify table-change row (JSON-decoded via
// row_to_json, so numeric/text columns arrive as string/float64) into a
// core.AuditRecord, best-effort.
func rowToAuditRecord(row map[string]interface{}) (*core.AuditRecord, bool) {
	id, _ := row["id"].(string)
	if id == "" {
		return nil, false
	}
	rec := &core.AuditRecord{
		ID:          id,
		Namespace:   stringField(row, "namespace"),
		Tenant:      stringField(row, "tenant"),
		ActionID:    stringField(row, "action_id"),
		MatchedRule: stringField(row, "matched_rule"),
	}
	if payload, ok := row["payload"].(map[string]interface{}); ok {
		rec.Payload = core.Payload(payload)
	}
	return rec, true
}

func stringField(row map[string]interface{}, key string) string {
	s, _ := row[key].(string)
	return s
}
