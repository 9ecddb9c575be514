// Package testing provides testing utilities and helpers for the qtrainer project.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/aristath/qtrainer/internal/database"
)

// NewTestDB creates a migrated state database in a temporary directory.
// The connection is closed when the test finishes.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// NewMemoryDB opens an in-memory SQLite database with the state schema
// applied, for repository tests that only need a *sql.DB.
func NewMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(database.Schema); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	return db
}
