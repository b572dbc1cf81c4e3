package coordinator

import (
	"context"
	"database/sql"
	"time"

	"cloud-pbx/pkg/utils"
)

// SQLLockStore is a durable mutex table: one row per held lock key.
// Expiry is stored as unix milliseconds so the same schema runs on Postgres and SQLite.
type SQLLockStore struct {
	db     *sql.DB
	driver string
}

func NewSQLLockStore(db *sql.DB, driver string) *SQLLockStore {
	return &SQLLockStore{db: db, driver: driver}
}

// EnsureSchema creates the lock table when missing.
func (s *SQLLockStore) EnsureSchema(ctx context.Context) error {
	return utils.Exec(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS coordinator_locks (
  lock_key   TEXT PRIMARY KEY,
  owner      TEXT NOT NULL,
  expires_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS coordinator_locks_expires_idx ON coordinator_locks (expires_at)`,
	)
}

func (s *SQLLockStore) PurgeExpired(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM coordinator_locks WHERE expires_at <= ?`), now.UnixMilli())
	return err
}

// TryInsert is insert-if-absent; it reports whether this owner now holds the key.
func (s *SQLLockStore) TryInsert(ctx context.Context, key, owner string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO coordinator_locks (lock_key, owner, expires_at)
VALUES (?, ?, ?)
ON CONFLICT (lock_key) DO NOTHING
`), key, owner, expiresAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLLockStore) Delete(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM coordinator_locks WHERE lock_key = ? AND owner = ?`), key, owner)
	return err
}

func (s *SQLLockStore) q(query string) string { return utils.Rebind(s.driver, query) }
