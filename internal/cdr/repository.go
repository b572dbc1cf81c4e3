package cdr

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"cloud-pbx/pkg/utils"
)

type Repository interface {
	// Create is insert-if-absent on (tenant, call id).
	Create(ctx context.Context, r Record) (bool, error)
}

type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{records: map[string]Record{}} }

func (m *MemoryRepo) Create(ctx context.Context, r Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := r.TenantID + "\x00" + r.CallID
	if _, ok := m.records[k]; ok {
		return false, nil
	}
	m.records[k] = r
	return true, nil
}

func (m *MemoryRepo) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

type SQLRepo struct {
	db     *sql.DB
	driver string
}

func NewSQLRepo(db *sql.DB, driver string) *SQLRepo {
	return &SQLRepo{db: db, driver: driver}
}

func (s *SQLRepo) EnsureSchema(ctx context.Context) error {
	return utils.Exec(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS cdrs (
  id               TEXT PRIMARY KEY,
  tenant_id        TEXT NOT NULL,
  call_id          TEXT NOT NULL,
  from_number      TEXT NOT NULL DEFAULT '',
  to_number        TEXT NOT NULL DEFAULT '',
  direction        TEXT NOT NULL DEFAULT '',
  disposition      TEXT NOT NULL DEFAULT '',
  start_time       BIGINT NOT NULL,
  answer_time      BIGINT,
  end_time         BIGINT,
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  billable_seconds INTEGER NOT NULL DEFAULT 0,
  hangup_cause     TEXT NOT NULL DEFAULT '',
  recording_url    TEXT NOT NULL DEFAULT '',
  received_at      BIGINT NOT NULL,
  UNIQUE (tenant_id, call_id)
)`,
	)
}

func (s *SQLRepo) Create(ctx context.Context, r Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, utils.Rebind(s.driver, `
INSERT INTO cdrs (id, tenant_id, call_id, from_number, to_number, direction, disposition, start_time,
  answer_time, end_time, duration_seconds, billable_seconds, hangup_cause, recording_url, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, call_id) DO NOTHING
`), r.ID, r.TenantID, r.CallID, r.From, r.To, r.Direction, r.Disposition, r.StartTime.UnixMilli(),
		nullMillis(r.AnswerTime), nullMillis(r.EndTime), r.DurationSeconds, r.BillableSeconds,
		r.HangupCause, r.RecordingURL, r.ReceivedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountByTenant is used by ops tooling and tests.
func (s *SQLRepo) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, utils.Rebind(s.driver, `SELECT COUNT(*) FROM cdrs WHERE tenant_id = ?`), tenantID).Scan(&n)
	return n, err
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
