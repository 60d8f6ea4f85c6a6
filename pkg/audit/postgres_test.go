package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/pkg/core"
)

func newMockBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresBackend{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestPostgresBackend_AppendAudit(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &core.AuditRecord{
		ID:         "aud_1",
		Namespace:  "ns",
		Tenant:     "t1",
		ActionID:   "a1",
		RecordedAt: time.Now().UTC(),
		Payload:    core.Payload{"x": 1},
	}
	require.NoError(t, backend.AppendAudit(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetAudit(t *testing.T) {
	backend, mock := newMockBackend(t)

	cols := []string{"id", "namespace", "tenant", "action_id", "matched_rule", "verdict", "outcome",
		"payload", "recorded_at", "prev_hash", "self_hash", "redacted_fields"}
	rows := sqlmock.NewRows(cols).AddRow(
		"aud_1", "ns", "t1", "a1", "rule-1", nil, nil, []byte(`{"x":1}`),
		time.Unix(0, 0).UTC(), nil, nil, "{}")

	mock.ExpectQuery("SELECT (.|\n)* FROM audit_log WHERE namespace").
		WithArgs("ns", "aud_1").
		WillReturnRows(rows)

	rec, err := backend.GetAudit(context.Background(), "ns", "aud_1")
	require.NoError(t, err)
	assert.Equal(t, "aud_1", rec.ID)
	assert.Equal(t, "rule-1", rec.MatchedRule)
	assert.Equal(t, float64(1), rec.Payload["x"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetAudit_NotFound(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectQuery("SELECT (.|\n)* FROM audit_log WHERE namespace").
		WithArgs("ns", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := backend.GetAudit(context.Background(), "ns", "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
