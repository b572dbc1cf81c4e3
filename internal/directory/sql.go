package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cloud-pbx/pkg/utils"
)

// SQLStore is the Postgres/SQLite Resolver. Destination records are stored as
// JSON documents keyed by (tenant, type, id); the CRUD side owns writes.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	return utils.Exec(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS directory_dids (
  number      TEXT PRIMARY KEY,
  tenant_id   TEXT NOT NULL,
  status      TEXT NOT NULL DEFAULT '',
  dest_type   TEXT NOT NULL,
  dest_id     TEXT NOT NULL DEFAULT '',
  dest_target TEXT NOT NULL DEFAULT '',
  sentry      TEXT NOT NULL DEFAULT '{}'
)`,
		`CREATE TABLE IF NOT EXISTS directory_destinations (
  tenant_id TEXT NOT NULL,
  dest_type TEXT NOT NULL,
  dest_id   TEXT NOT NULL,
  number    TEXT NOT NULL DEFAULT '',
  config    TEXT NOT NULL,
  PRIMARY KEY (tenant_id, dest_type, dest_id)
)`,
		`CREATE INDEX IF NOT EXISTS directory_destinations_number_idx ON directory_destinations (tenant_id, dest_type, number)`,
	)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) PutDID(ctx context.Context, d DID) error {
	return s.putDID(ctx, s.db, d)
}

func (s *SQLStore) Put(ctx context.Context, tenantID string, d Destination) error {
	return s.put(ctx, s.db, tenantID, d)
}

func (s *SQLStore) putDID(ctx context.Context, ex execer, d DID) error {
	if err := validateDID(d); err != nil {
		return err
	}
	rules, err := json.Marshal(d.Sentry)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.q(`
INSERT INTO directory_dids (number, tenant_id, status, dest_type, dest_id, dest_target, sentry)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (number) DO UPDATE SET
  tenant_id = excluded.tenant_id,
  status = excluded.status,
  dest_type = excluded.dest_type,
  dest_id = excluded.dest_id,
  dest_target = excluded.dest_target,
  sentry = excluded.sentry
`), d.Number, d.TenantID, string(d.Status), string(d.Destination.Type), d.Destination.ID, d.Destination.Target, string(rules))
	return err
}

func (s *SQLStore) put(ctx context.Context, ex execer, tenantID string, d Destination) error {
	id, err := setTenant(tenantID, d)
	if err != nil {
		return err
	}
	raw, err := encodeDestination(d)
	if err != nil {
		return err
	}
	number := ""
	if ext, ok := d.(*Extension); ok {
		number = ext.Number
	}
	_, err = ex.ExecContext(ctx, s.q(`
INSERT INTO directory_destinations (tenant_id, dest_type, dest_id, number, config)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, dest_type, dest_id) DO UPDATE SET
  number = excluded.number,
  config = excluded.config
`), tenantID, string(d.Type()), id, number, string(raw))
	return err
}

// Import copies a file-backed directory into the tables inside one transaction.
func (s *SQLStore) Import(ctx context.Context, file File) error {
	src := NewMemoryStore()
	if err := src.Load(file); err != nil {
		return err
	}
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, t := range src.All().Tenants {
			for _, d := range tenantDestinations(t) {
				if err := s.put(ctx, tx, t.ID, d); err != nil {
					return err
				}
			}
			for _, d := range t.DIDs {
				if err := s.putDID(ctx, tx, d); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *SQLStore) LookupDID(ctx context.Context, number string) (*DID, error) {
	var (
		d     DID
		rules string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT number, tenant_id, status, dest_type, dest_id, dest_target, sentry
FROM directory_dids WHERE number = ?
`), number).Scan(&d.Number, &d.TenantID, &d.Status, &d.Destination.Type, &d.Destination.ID, &d.Destination.Target, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: did %s", ErrNotFound, number)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &d.Sentry); err != nil {
		return nil, fmt.Errorf("directory: decode sentry rules for %s: %w", number, err)
	}
	return &d, nil
}

func (s *SQLStore) Resolve(ctx context.Context, tenantID string, ref Ref) (Destination, error) {
	if d, ok := inline(tenantID, ref); ok {
		return d, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT config FROM directory_destinations WHERE tenant_id = ? AND dest_type = ? AND dest_id = ?
`), tenantID, string(ref.Type), ref.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	d, err := decodeDestination([]byte(raw))
	if err != nil {
		return nil, err
	}
	if err := checkType(ref, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLStore) ExtensionByNumber(ctx context.Context, tenantID, number string) (*Extension, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT config FROM directory_destinations WHERE tenant_id = ? AND dest_type = ? AND number = ?
`), tenantID, string(TypeExtension), number).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: extension %s", ErrNotFound, number)
	}
	if err != nil {
		return nil, err
	}
	d, err := decodeDestination([]byte(raw))
	if err != nil {
		return nil, err
	}
	ext, ok := d.(*Extension)
	if !ok {
		return nil, fmt.Errorf("%w: extension %s", ErrTypeMismatch, number)
	}
	return ext, nil
}

func tenantDestinations(t TenantConfig) []Destination {
	var out []Destination
	for i := range t.Extensions {
		out = append(out, &t.Extensions[i])
	}
	for i := range t.RingGroups {
		out = append(out, &t.RingGroups[i])
	}
	for i := range t.IVRMenus {
		out = append(out, &t.IVRMenus[i])
	}
	for i := range t.ConferenceRooms {
		out = append(out, &t.ConferenceRooms[i])
	}
	for i := range t.AIAgents {
		out = append(out, &t.AIAgents[i])
	}
	for i := range t.Queues {
		out = append(out, &t.Queues[i])
	}
	return out
}

func (s *SQLStore) q(query string) string { return utils.Rebind(s.driver, query) }
