// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	// Initialize is idempotent
	if err := m.Initialize(); err != nil {
		t.Errorf("second Initialize() failed: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestUp_appliesInOrder verifies pending files apply by version, not name.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V10__add_index.up.sql": {Data: []byte("CREATE INDEX idx_t_name ON t(name);")},
		"V2__add_column.up.sql": {Data: []byte("ALTER TABLE t ADD COLUMN name TEXT;")},
		"V1__create.up.sql":     {Data: []byte("CREATE TABLE t (id INTEGER PRIMARY KEY);")},
		"V1__create.down.sql":   {Data: []byte("DROP TABLE t;")},
		"README.md":             {Data: []byte("not a migration")},
		"Vx__bad.up.sql":        {Data: []byte("garbage")},
	}
	m := NewMigrator(db, files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("applied %d migrations, want 3", len(applied))
	}
	wantDescriptions := []string{"create", "add_column", "add_index"}
	for i, mig := range applied {
		if mig.Description != wantDescriptions[i] {
			t.Errorf("migration %d description = %q, want %q", i, mig.Description, wantDescriptions[i])
		}
		if len(mig.Checksum) != 64 {
			t.Errorf("migration %d checksum length = %d", i, len(mig.Checksum))
		}
	}

	// Running Up again should skip already applied migrations
	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); THIS IS NOT SQL;")},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Up()
	if err == nil || !strings.Contains(err.Error(), "V1") {
		t.Fatalf("Up() error = %v, want failure naming V1", err)
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d after failed migration, want 0", version)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__create.up.sql":   {Data: []byte("CREATE TABLE t (id INTEGER PRIMARY KEY);")},
		"V1__create.down.sql": {Data: []byte("DROP TABLE t;")},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(); err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() before Up() = %v, want 'no migrations to rollback'", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='t'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("table t still exists after Down()")
	}
}

// TestEmbeddedMigrations verifies the shipped schema parses as migrations.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() after Down() failed: %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"V1__init.up.sql", 1, true},
		{"V12__add_things.up.sql", 12, true},
		{"V0__zero.up.sql", 0, false},
		{"V1.up.sql", 0, false},
		{"V1__.up.sql", 0, false},
		{"Vone__init.up.sql", 0, false},
		{"V1__init.down.sql", 0, false},
	}
	for _, tt := range tests {
		version, ok := parseVersion(tt.name, ".up.sql")
		if version != tt.version || ok != tt.ok {
			t.Errorf("parseVersion(%q) = (%d, %v), want (%d, %v)", tt.name, version, ok, tt.version, tt.ok)
		}
	}
}
