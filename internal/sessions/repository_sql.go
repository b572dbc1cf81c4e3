package sessions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cloud-pbx/pkg/utils"
)

type SQLRepo struct {
	db     *sql.DB
	driver string
}

func NewSQLRepo(db *sql.DB, driver string) *SQLRepo {
	return &SQLRepo{db: db, driver: driver}
}

func (r *SQLRepo) EnsureSchema(ctx context.Context) error {
	return utils.Exec(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS session_updates (
  id             TEXT PRIMARY KEY,
  session_id     TEXT NOT NULL,
  tenant_id      TEXT NOT NULL,
  event_id       TEXT NOT NULL,
  domain         TEXT NOT NULL,
  subscriber_id  TEXT NOT NULL,
  caller         TEXT NOT NULL,
  destination    TEXT NOT NULL,
  direction      TEXT NOT NULL,
  status         TEXT NOT NULL,
  action         TEXT NOT NULL DEFAULT '',
  reason         TEXT NOT NULL DEFAULT '',
  call_id        TEXT NOT NULL DEFAULT '',
  parent_call_id TEXT NOT NULL DEFAULT '',
  profile        TEXT NOT NULL DEFAULT '',
  started_at     BIGINT NOT NULL,
  ended_at       BIGINT NOT NULL DEFAULT 0,
  received_at    BIGINT NOT NULL,
  UNIQUE (tenant_id, event_id)
)`,
	)
}

func (r *SQLRepo) Create(ctx context.Context, u Update) (bool, error) {
	var ended int64
	if !u.EndedAt.IsZero() {
		ended = u.EndedAt.UnixMilli()
	}
	res, err := r.db.ExecContext(ctx, utils.Rebind(r.driver, `
INSERT INTO session_updates (id, session_id, tenant_id, event_id, domain, subscriber_id, caller, destination, direction,
  status, action, reason, call_id, parent_call_id, profile, started_at, ended_at, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, event_id) DO NOTHING
`), u.ID, u.SessionID, u.TenantID, u.EventID, u.Domain, u.SubscriberID, u.Caller, u.Destination, string(u.Direction),
		u.Status, u.Action, u.Reason, u.CallID, u.ParentCallID, u.Profile,
		u.StartedAt.UnixMilli(), ended, u.ReceivedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLRepo) GetByEvent(ctx context.Context, tenantID, eventID string) (*Update, error) {
	var (
		u                        Update
		dir                      string
		started, ended, received int64
	)
	err := r.db.QueryRowContext(ctx, utils.Rebind(r.driver, `
SELECT id, session_id, tenant_id, event_id, domain, subscriber_id, caller, destination, direction,
  status, action, reason, call_id, parent_call_id, profile, started_at, ended_at, received_at
FROM session_updates WHERE tenant_id = ? AND event_id = ?
`), tenantID, eventID).Scan(&u.ID, &u.SessionID, &u.TenantID, &u.EventID, &u.Domain, &u.SubscriberID, &u.Caller, &u.Destination, &dir,
		&u.Status, &u.Action, &u.Reason, &u.CallID, &u.ParentCallID, &u.Profile, &started, &ended, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Direction = Direction(dir)
	u.StartedAt = time.UnixMilli(started).UTC()
	if ended != 0 {
		u.EndedAt = time.UnixMilli(ended).UTC()
	}
	u.ReceivedAt = time.UnixMilli(received).UTC()
	return &u, nil
}
