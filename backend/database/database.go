package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB for future helpers.
type DB struct {
	*sql.DB
}

// Open opens (and creates if needed) a SQLite database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	// Optimize for write bursts when many nodes churn at once
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;")
	return &DB{db}, nil
}

// Migrate creates the tables not owned by the ORM layer.
func (db *DB) Migrate() error {
	createRuns := `CREATE TABLE IF NOT EXISTS daemon_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		device_id TEXT NOT NULL,
		network_id INTEGER NOT NULL,
		schedule_id INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(createRuns); err != nil {
		return err
	}
	return nil
}

// RecordRun inserts a daemon start row.
func (db *DB) RecordRun(role, deviceID string, networkID uint16, scheduleID uint8) error {
	_, err := db.Exec(
		`INSERT INTO daemon_runs (role, device_id, network_id, schedule_id) VALUES (?, ?, ?, ?)`,
		role, deviceID, networkID, scheduleID,
	)
	return err
}

// CloseSafe closes the handle; a nil handle returns an error instead of
// panicking.
func (db *DB) CloseSafe() error {
	if db == nil || db.DB == nil {
		return errors.New("db is nil")
	}
	return db.Close()
}
