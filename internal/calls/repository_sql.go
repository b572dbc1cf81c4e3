package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud-pbx/pkg/utils"
)

// SQLRepo stores calls in Postgres or SQLite. Timestamps are unix milliseconds.
// Every applied transition is also appended to call_transitions in the same transaction.
type SQLRepo struct {
	db     *sql.DB
	driver string
}

func NewSQLRepo(db *sql.DB, driver string) *SQLRepo {
	return &SQLRepo{db: db, driver: driver}
}

func (r *SQLRepo) EnsureSchema(ctx context.Context) error {
	return utils.Exec(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS calls (
  call_id          TEXT PRIMARY KEY,
  tenant_id        TEXT NOT NULL,
  direction        TEXT NOT NULL,
  from_number      TEXT NOT NULL,
  to_number        TEXT NOT NULL,
  status           TEXT NOT NULL,
  destination_type TEXT NOT NULL DEFAULT '',
  answered_by      TEXT NOT NULL DEFAULT '',
  hangup_cause     TEXT NOT NULL DEFAULT '',
  recording_url    TEXT NOT NULL DEFAULT '',
  provider_status  TEXT NOT NULL DEFAULT '',
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  initiated_at     BIGINT NOT NULL,
  answered_at      BIGINT,
  ended_at         BIGINT,
  updated_at       BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS calls_tenant_idx ON calls (tenant_id, initiated_at)`,
		`CREATE TABLE IF NOT EXISTS call_transitions (
  call_id     TEXT NOT NULL,
  seq         INTEGER NOT NULL,
  from_status TEXT NOT NULL,
  to_status   TEXT NOT NULL,
  fields      TEXT NOT NULL DEFAULT '{}',
  created_at  BIGINT NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS call_transitions_seq_idx ON call_transitions (call_id, seq)`,
	)
}

func (r *SQLRepo) Create(ctx context.Context, c Call) (bool, error) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.InitiatedAt
	}
	res, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO calls (call_id, tenant_id, direction, from_number, to_number, status, destination_type, initiated_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (call_id) DO NOTHING
`), c.CallID, c.TenantID, string(c.Direction), c.From, c.To, string(c.Status), c.DestinationType,
		c.InitiatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLRepo) Get(ctx context.Context, callID string) (*Call, error) {
	var (
		c                   Call
		initiated, updated  int64
		answeredAt, endedAt sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, r.q(`
SELECT call_id, tenant_id, direction, from_number, to_number, status, destination_type,
       answered_by, hangup_cause, recording_url, provider_status, duration_seconds,
       initiated_at, answered_at, ended_at, updated_at
FROM calls WHERE call_id = ?
`), callID).Scan(
		&c.CallID, &c.TenantID, &c.Direction, &c.From, &c.To, &c.Status, &c.DestinationType,
		&c.AnsweredBy, &c.HangupCause, &c.RecordingURL, &c.ProviderStatus, &c.DurationSeconds,
		&initiated, &answeredAt, &endedAt, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.InitiatedAt = time.UnixMilli(initiated).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	c.AnsweredAt = fromMillis(answeredAt)
	c.EndedAt = fromMillis(endedAt)
	return &c, nil
}

// Apply runs one conditional UPDATE plus the history insert in a transaction.
// Column names come from the fixed whitelist, never from input.
func (r *SQLRepo) Apply(ctx context.Context, callID string, u Update) error {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.To), u.At.UnixMilli()}
	if u.To == CallStatusAnswered {
		set = append(set, "answered_at = COALESCE(answered_at, ?)")
		args = append(args, u.At.UnixMilli())
	}
	if u.To.Terminal() {
		set = append(set, "ended_at = COALESCE(ended_at, ?)")
		args = append(args, u.At.UnixMilli())
	}

	keys := make([]string, 0, len(u.Fields))
	for k := range u.Fields {
		if _, ok := allowedFields[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		set = append(set, k+" = ?")
		if k == FieldDurationSeconds {
			n, _ := strconv.Atoi(u.Fields[k])
			args = append(args, n)
			continue
		}
		args = append(args, u.Fields[k])
	}
	args = append(args, callID, string(u.From))

	fields, err := json.Marshal(u.Fields)
	if err != nil {
		return err
	}

	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.q(`UPDATE calls SET `+strings.Join(set, ", ")+` WHERE call_id = ? AND status = ?`), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM calls WHERE call_id = ?`), callID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrConflict
		}
		// Timestamps tie within a millisecond; seq keeps the history order.
		var seq int64
		if err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM call_transitions WHERE call_id = ?`), callID).Scan(&seq); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.q(`
INSERT INTO call_transitions (call_id, seq, from_status, to_status, fields, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`), callID, seq, string(u.From), string(u.To), string(fields), u.At.UnixMilli())
		return err
	})
}

// Transitions returns the applied status history of a call, oldest first.
func (r *SQLRepo) Transitions(ctx context.Context, callID string) ([]CallStatus, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT to_status FROM call_transitions WHERE call_id = ? ORDER BY seq
`), callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallStatus
	for rows.Next() {
		var s CallStatus
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLRepo) q(query string) string { return utils.Rebind(r.driver, query) }

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
