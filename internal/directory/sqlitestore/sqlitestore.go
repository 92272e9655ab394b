// Package sqlitestore persists directory registrations in SQLite so a
// restarted directory still answers lookups for providers that registered
// before the restart.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"svcweave/internal/directory"
)

// Store implements directory.Store on a SQLite database file.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ directory.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		name TEXT NOT NULL,
		api INTEGER NOT NULL,
		location TEXT NOT NULL,
		port INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (name, api)
	);

	CREATE INDEX IF NOT EXISTS idx_registrations_updated ON registrations(updated_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, rec directory.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (name, api, location, port, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, api) DO UPDATE SET
			location = excluded.location,
			port = excluded.port,
			updated_at = excluded.updated_at
	`, rec.Name, rec.API, rec.Location, rec.Port, rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string, api int) (directory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT name, api, location, port, updated_at
		FROM registrations
		WHERE name = ? AND api = ?
	`, name, api)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Record{}, directory.ErrNotFound
	}
	return rec, err
}

func (s *Store) List(ctx context.Context) ([]directory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, api, location, port, updated_at
		FROM registrations
		ORDER BY name ASC, api ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var out []directory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (directory.Record, error) {
	var (
		rec     directory.Record
		updated string
	)
	if err := sc.Scan(&rec.Name, &rec.API, &rec.Location, &rec.Port, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan registration: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return rec, fmt.Errorf("parse updated_at: %w", err)
	}
	rec.UpdatedAt = t
	return rec, nil
}
