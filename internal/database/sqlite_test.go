package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("should create nested directories and enable WAL", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "platepal.db")
		db, err := Open(path)
		require.NoError(t, err)
		defer db.Close()

		var mode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
		assert.FileExists(t, path)
	})

	t.Run("should open in-memory database", func(t *testing.T) {
		db, err := Open(":memory:")
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, `CREATE TABLE t (v TEXT)`, `INSERT INTO t (v) VALUES ('x')`))
		var v string
		require.NoError(t, db.QueryRow(`SELECT v FROM t`).Scan(&v))
		assert.Equal(t, "x", v)
	})

	t.Run("should reject empty path", func(t *testing.T) {
		_, err := Open("")
		assert.Error(t, err)
	})

	t.Run("should surface bad migration", func(t *testing.T) {
		db, err := Open(":memory:")
		require.NoError(t, err)
		defer db.Close()

		assert.Error(t, Migrate(db, `CREATE TABLE oops (`))
	})
}
