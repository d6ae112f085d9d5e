// Package store persists per-device connection priorities.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bluetooth-hfp/internal/native"
)

// ErrNotFound is returned when a device has no stored priority.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore keeps priorities in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open priority db: %w", err)
	}
	// WAL mode for concurrent readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate priority db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hfp_priorities (
			address    TEXT PRIMARY KEY,
			priority   INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Priority returns the stored priority of dev or ErrNotFound.
func (s *SQLiteStore) Priority(ctx context.Context, dev native.Address) (int, error) {
	var p int
	err := s.db.QueryRowContext(ctx,
		"SELECT priority FROM hfp_priorities WHERE address = ?", string(dev),
	).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: read priority %s: %w", dev, err)
	}
	return p, nil
}

// SetPriority inserts or replaces the priority of dev.
func (s *SQLiteStore) SetPriority(ctx context.Context, dev native.Address, priority int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hfp_priorities (address, priority, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET priority = excluded.priority, updated_at = excluded.updated_at`,
		string(dev), priority, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: write priority %s: %w", dev, err)
	}
	return nil
}

// Delete forgets dev. Deleting an unknown device is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, dev native.Address) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM hfp_priorities WHERE address = ?", string(dev)); err != nil {
		return fmt.Errorf("store: delete priority %s: %w", dev, err)
	}
	return nil
}

// All returns every stored priority.
func (s *SQLiteStore) All(ctx context.Context) (map[native.Address]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT address, priority FROM hfp_priorities")
	if err != nil {
		return nil, fmt.Errorf("store: list priorities: %w", err)
	}
	defer rows.Close()

	out := make(map[native.Address]int)
	for rows.Next() {
		var addr string
		var p int
		if err := rows.Scan(&addr, &p); err != nil {
			return nil, fmt.Errorf("store: scan priority: %w", err)
		}
		out[native.Address(addr)] = p
	}
	return out, rows.Err()
}
