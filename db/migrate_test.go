package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "harvest.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{
		"schema_migrations",
		"periodic_tasks",
		"harvest_sources",
		"harvest_jobs",
		"harvest_records",
		"harvest_launches",
	} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "harvest.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	var before int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&before))

	require.NoError(t, Migrate(db, nil))

	var after int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&after))
	assert.Equal(t, before, after)
}

func TestMigrate_OneActiveJobPerSource(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "harvest.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO harvest_sources (id, slug, name, created_at) VALUES ('s1', 'src', 'src', ?)`, now)
	require.NoError(t, err)

	insert := `INSERT INTO harvest_jobs (id, source_id, status, created_at, updated_at) VALUES (?, 's1', ?, ?, ?)`
	_, err = db.Exec(insert, "j1", "processing", now, now)
	require.NoError(t, err)

	_, err = db.Exec(insert, "j2", "pending", now, now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// terminal jobs do not count
	_, err = db.Exec(insert, "j3", "done", now, now)
	require.NoError(t, err)
	_, err = db.Exec(insert, "j4", "failed", now, now)
	require.NoError(t, err)
}

func TestMigrate_SourceDeleteKeepsJobs(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "harvest.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO harvest_sources (id, slug, name, created_at) VALUES ('s1', 'src', 'src', ?)`, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO harvest_jobs (id, source_id, status, created_at, updated_at) VALUES ('j1', 's1', 'done', ?, ?)`, now, now)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM harvest_sources WHERE id = 's1'`)
	require.NoError(t, err)

	var sourceID *string
	require.NoError(t, db.QueryRow(`SELECT source_id FROM harvest_jobs WHERE id = 'j1'`).Scan(&sourceID))
	assert.Nil(t, sourceID)
}
