package migration

import (
	"testing"
	"testing/fstest"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// openTestDB はインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用順序と冪等性を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_index.up.sql":     {Data: []byte(`CREATE INDEX idx_items_name ON items(name);`)},
		"migrations/000001_create_items.up.sql":  {Data: []byte(`CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL); INSERT INTO items VALUES ('a', 'first');`)},
		"migrations/000001_create_items.down.sql": {Data: []byte(`DROP TABLE items;`)},
		"migrations/README.md":                   {Data: []byte(`ignored`)},
	}

	t.Run("バージョン順に適用し2回目は何もしない", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		logger, hook := test.NewNullLogger()

		require.NoError(t, Run(t.Context(), db, fsys, "migrations", logger))
		assert.Len(t, hook.Entries, 2)
		assert.Equal(t, 1, hook.Entries[0].Data["version"])

		var versions []int
		require.NoError(t, db.Select(&versions, "SELECT version FROM schema_migrations ORDER BY version"))
		assert.Equal(t, []int{1, 2}, versions)

		hook.Reset()
		require.NoError(t, Run(t.Context(), db, fsys, "migrations", logger))
		assert.Empty(t, hook.Entries)

		var count int
		require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM items"))
		assert.Equal(t, 1, count)
	})

	t.Run("SQLが失敗したマイグレーションは記録されない", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		logger, _ := test.NewNullLogger()
		broken := fstest.MapFS{
			"migrations/000001_broken.up.sql": {Data: []byte(`CREATE TABLE;`)},
		}

		require.Error(t, Run(t.Context(), db, broken, "migrations", logger))

		var count int
		require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM schema_migrations"))
		assert.Zero(t, count)
	})
}
