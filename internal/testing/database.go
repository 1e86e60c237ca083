package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/remilejeune/udata-harvest/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", db.DSN(":memory:"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// every pooled connection to :memory: would be a separate database
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileDB creates a migrated database file opened like the daemon opens
// it, with a connection pool of several connections.
func CreateFileDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "harvest.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database file: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// CreateFileDBWithoutForeignKeys migrates a database file and reopens it with
// foreign key enforcement off, so tests can check that deletes do not depend
// on ON DELETE actions.
func CreateFileDBWithoutForeignKeys(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "harvest.db")
	migrated, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database file: %v", err)
	}
	migrated.Close()

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=off&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("Failed to reopen test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
