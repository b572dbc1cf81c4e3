package utils

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := Rebind(DriverPostgres, q); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("unexpected postgres rebind: %q", got)
	}
	if got := Rebind(DriverSQLite, q); got != q {
		t.Fatalf("sqlite query must be unchanged, got %q", got)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(ctx, DriverSQLite, "file:withtx?mode=memory&cache=shared", DBPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Exec(ctx, db, `CREATE TABLE items (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("schema: %v", err)
	}

	boom := errors.New("boom")
	err = WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (id) VALUES (?)`, "a"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback, found %d rows", n)
	}
}
