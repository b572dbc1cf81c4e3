package audit

import (
	"context"
	"database/sql"

	"cloud-pbx/pkg/utils"
)

// SQLRepo appends events to audit_events. It has no update or delete path.
type SQLRepo struct {
	db     *sql.DB
	driver string
}

func NewSQLRepo(db *sql.DB, driver string) *SQLRepo {
	return &SQLRepo{db: db, driver: driver}
}

func (r *SQLRepo) EnsureSchema(ctx context.Context) error {
	return utils.Exec(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS audit_events (
  id         TEXT PRIMARY KEY,
  tenant_id  TEXT NOT NULL,
  type       TEXT NOT NULL,
  call_id    TEXT NOT NULL DEFAULT '',
  origin     TEXT NOT NULL DEFAULT '',
  did        TEXT NOT NULL DEFAULT '',
  check_name TEXT NOT NULL DEFAULT '',
  message    TEXT NOT NULL DEFAULT '',
  metadata   TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS audit_events_tenant_idx ON audit_events (tenant_id, created_at)`,
	)
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, utils.Rebind(r.driver, `
INSERT INTO audit_events (id, tenant_id, type, call_id, origin, did, check_name, message, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`), e.ID, e.TenantID, string(e.Type), e.CallID, e.Origin, e.DID, e.Check, e.Message, e.Metadata, e.CreatedAt.UnixMilli())
	return err
}

// ListByTenant returns a tenant's events, oldest first.
func (r *SQLRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, utils.Rebind(r.driver, `
SELECT id, tenant_id, type, call_id, origin, did, check_name, message, metadata, created_at
FROM audit_events WHERE tenant_id = ? ORDER BY created_at LIMIT ?
`), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			typ string
			ms  int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &typ, &e.CallID, &e.Origin, &e.DID, &e.Check, &e.Message, &e.Metadata, &ms); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.CreatedAt = fromMillis(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}
