// Package sqlite is the embedded-sqlite storage.Store implementation,
// backed by the pure-Go driver github.com/ncruces/go-sqlite3 (no cgo),
// grounded on the teacher's internal/storage/sqlite package shape:
// database/sql on top, numbered idempotent migrations run at Open time.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ivmcore/ivmcore/internal/storage"
	"github.com/ivmcore/ivmcore/internal/storage/sqlite/migrations"
)

// migrationFuncs runs in order; every entry must be idempotent so
// re-opening an already-migrated database is a no-op (spec §6
// persistence boundary needs this on every daemon restart).
var migrationFuncs = []func(*sql.DB) error{
	migrations.MigrateRecordHash,
	migrations.MigrateModuleState,
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a sqlite database at path and applies
// every migration. path may be ":memory:" for an ephemeral database that
// still exercises the real driver and SQL, as opposed to
// internal/storage/memory's pure Go-map stand-in.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // matches the teacher's single-writer sqlite discipline

	for _, m := range migrationFuncs {
		if err := m(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) PutRecordHash(ctx context.Context, recordID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO record_hash (record_id, blob) VALUES (?, ?)
		ON CONFLICT(record_id) DO UPDATE SET blob = excluded.blob
	`, recordID, blob)
	return err
}

func (s *Store) GetRecordHash(ctx context.Context, recordID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM record_hash WHERE record_id = ?`, recordID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *Store) DeleteRecordHash(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM record_hash WHERE record_id = ?`, recordID)
	return err
}

func (s *Store) AllRecordHashes(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, blob FROM record_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = blob
	}
	return out, rows.Err()
}

func (s *Store) PutModuleState(ctx context.Context, key string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_state (state_key, blob) VALUES (?, ?)
		ON CONFLICT(state_key) DO UPDATE SET blob = excluded.blob
	`, key, blob)
	return err
}

func (s *Store) GetModuleState(ctx context.Context, key string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM module_state WHERE state_key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *Store) DeleteModuleState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM module_state WHERE state_key = ?`, key)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

var _ storage.Store = (*Store)(nil)
