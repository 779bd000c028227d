package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigrated_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sift.db")
	db, err := OpenMigrated(path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"scan_history", "digest_groups", "group_files", "scan_errors", "error_samples", "tag_counts"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sift.db")
	db, err := OpenMigrated(path)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, RunMigrations(db))
}

func TestLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sift.db")

	unlock, err := Lock(path)
	require.NoError(t, err)

	_, err = Lock(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, unlock())

	unlock2, err := Lock(path)
	require.NoError(t, err)
	assert.NoError(t, unlock2())
}
