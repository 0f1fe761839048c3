// Package db provides the client's local SQLite cache: connection
// management, embedded schema migrations, and the transactional cache API
// used by the reconciler and the pending mutation queue.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the cache database file inside the data directory.
const FileName = "homestock.db"

// DB wraps the sql.DB with homestock-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the cache database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, since SQLite allows one writer
func Open(dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := filepath.Join(dataDir, FileName) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
