package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/acteon/gateway/pkg/core"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresBackend is the durable Audit Recorder backend, grounded on the
// teacher's internal/platform/database.Open connect-then-ping pattern but
// using sqlx for struct scanning and golang-migrate for schema bootstrap —
// both declared in the teacher's go.mod but never wired into its own code.
type PostgresBackend struct {
	db *sqlx.DB
}

// OpenPostgresBackend connects to dsn, verifies connectivity, and returns a
// ready-to-use PostgresBackend. Callers that also want automatic schema
// bootstrap should call Migrate before issuing any audit operations.
func OpenPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// Migrate applies every embedded migration in migrations/ up to the latest
// version, using golang-migrate's iofs source driver over the compiled-in
// embed.FS. It is idempotent; ErrNoChange is swallowed.
func (p *PostgresBackend) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(p.db.DB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// auditRow mirrors audit_log's columns for sqlx struct-scanning; JSONB
// columns round-trip through json.RawMessage to defer (un)marshaling to
// core.AuditRecord's own field types.
type auditRow struct {
	ID             string         `db:"id"`
	Namespace      string         `db:"namespace"`
	Tenant         string         `db:"tenant"`
	ActionID       string         `db:"action_id"`
	MatchedRule    string         `db:"matched_rule"`
	Verdict        []byte         `db:"verdict"`
	Outcome        []byte         `db:"outcome"`
	Payload        []byte         `db:"payload"`
	RecordedAt     time.Time      `db:"recorded_at"`
	PrevHash       []byte         `db:"prev_hash"`
	SelfHash       []byte         `db:"self_hash"`
	RedactedFields pqStringArray  `db:"redacted_fields"`
}

func (p *PostgresBackend) AppendAudit(ctx context.Context, rec *core.AuditRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO audit_log
			(id, namespace, tenant, action_id, matched_rule, verdict, outcome, payload,
			 recorded_at, prev_hash, self_hash, redacted_fields)
		VALUES
			(:id, :namespace, :tenant, :action_id, :matched_rule, :verdict, :outcome, :payload,
			 :recorded_at, :prev_hash, :self_hash, :redacted_fields)
	`, row)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) QueryAudit(ctx context.Context, namespace, tenant string, since, until time.Time, limit int) ([]*core.AuditRecord, error) {
	query := `
		SELECT id, namespace, tenant, action_id, matched_rule, verdict, outcome, payload,
		       recorded_at, prev_hash, self_hash, redacted_fields
		FROM audit_log
		WHERE namespace = $1 AND tenant = $2
		  AND ($3::timestamptz IS NULL OR recorded_at >= $3)
		  AND ($4::timestamptz IS NULL OR recorded_at < $4)
		ORDER BY recorded_at ASC`
	args := []interface{}{namespace, tenant, nullableTime(since), nullableTime(until)}
	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}

	var rows []auditRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	out := make([]*core.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *PostgresBackend) GetAudit(ctx context.Context, namespace, id string) (*core.AuditRecord, error) {
	var row auditRow
	err := p.db.GetContext(ctx, &row, `
		SELECT id, namespace, tenant, action_id, matched_rule, verdict, outcome, payload,
		       recorded_at, prev_hash, self_hash, redacted_fields
		FROM audit_log WHERE namespace = $1 AND id = $2`, namespace, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit record %s/%s not found", namespace, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return row.toRecord()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func toRow(rec *core.AuditRecord) (*auditRow, error) {
	verdict, err := marshalOrNil(rec.Verdict)
	if err != nil {
		return nil, err
	}
	outcome, err := marshalOrNil(rec.Outcome)
	if err != nil {
		return nil, err
	}
	payload, err := marshalOrNil(rec.Payload)
	if err != nil {
		return nil, err
	}
	return &auditRow{
		ID:             rec.ID,
		Namespace:      rec.Namespace,
		Tenant:         rec.Tenant,
		ActionID:       rec.ActionID,
		MatchedRule:    rec.MatchedRule,
		Verdict:        verdict,
		Outcome:        outcome,
		Payload:        payload,
		RecordedAt:     rec.RecordedAt,
		PrevHash:       rec.PrevHash,
		SelfHash:       rec.SelfHash,
		RedactedFields: pqStringArray(rec.Redacted),
	}, nil
}

func (row auditRow) toRecord() (*core.AuditRecord, error) {
	rec := &core.AuditRecord{
		ID:          row.ID,
		Namespace:   row.Namespace,
		Tenant:      row.Tenant,
		ActionID:    row.ActionID,
		MatchedRule: row.MatchedRule,
		RecordedAt:  row.RecordedAt,
		PrevHash:    row.PrevHash,
		SelfHash:    row.SelfHash,
		Redacted:    []string(row.RedactedFields),
	}
	if err := unmarshalIfPresent(row.Verdict, &rec.Verdict); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.Outcome, &rec.Outcome); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.Payload, &rec.Payload); err != nil {
		return nil, err
	}
	return rec, nil
}
