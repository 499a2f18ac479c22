package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS role_assignments (
		position INTEGER NOT NULL,
		role TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		device_name TEXT NOT NULL,
		assigned_at TEXT NOT NULL
	)`,
}

// SQLiteStore keeps assignments in a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

func OpenSQLite(logger *log.Logger, path string) (*SQLiteStore, error) {
	if logger == nil {
		panic("SQLiteStore: logger cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: apply schema: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO store_meta (key, value) VALUES ('version', ?)
			ON CONFLICT(key) DO NOTHING`, strconv.Itoa(CurrentVersion))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) version(ctx context.Context) (int, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'version'`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("store: read version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", ErrCorrupt, raw)
	}
	return v, nil
}

func (s *SQLiteStore) Load() ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := s.version(ctx)
	if err != nil {
		return nil, err
	}
	if v > CurrentVersion {
		return nil, UnsupportedVersionError{Version: v}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT device_id, device_name, role, assigned_at
		FROM role_assignments ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("store: query assignments: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var assignedAt string
		if err := rows.Scan(&r.DeviceID, &r.DeviceName, &r.Role, &assignedAt); err != nil {
			return nil, fmt.Errorf("store: scan assignment: %w", err)
		}
		if r.AssignedAt, err = time.Parse(time.RFC3339Nano, assignedAt); err != nil {
			return nil, fmt.Errorf("%w: assigned_at %q", ErrCorrupt, assignedAt)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate assignments: %w", err)
	}
	s.logger.Printf("SQLiteStore: load %s -> %d assignments", s.path, len(records))
	return records, nil
}

// Save replaces every stored assignment in one transaction
func (s *SQLiteStore) Save(records []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_assignments`); err != nil {
			return fmt.Errorf("store: clear assignments: %w", err)
		}
		for i, r := range records {
			if _, err := tx.ExecContext(ctx, `INSERT INTO role_assignments
				(position, role, device_id, device_name, assigned_at) VALUES (?, ?, ?, ?, ?)`,
				i, r.Role, r.DeviceID, r.DeviceName, r.AssignedAt.UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("store: insert %s: %w", r.Role, err)
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE store_meta SET value = ? WHERE key = 'version'`, strconv.Itoa(CurrentVersion))
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Printf("SQLiteStore: save %s -> %d assignments", s.path, len(records))
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
