package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// インメモリDBは接続ごとに別物になるため1接続に固定する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用順序と冪等性を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_index.up.sql":      {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL);")},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                    {Data: []byte("ignored")},
		"migrations/nounderscore.up.sql":          {Data: []byte("ignored")},
	}

	t.Run("バージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		applied, err := Run(context.Background(), db, fsys, "migrations", nil)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, applied)

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("2回目の実行では何も適用されないこと", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		_, err := Run(context.Background(), db, fsys, "migrations", nil)
		require.NoError(t, err)

		applied, err := Run(context.Background(), db, fsys, "migrations", nil)
		require.NoError(t, err)
		assert.Empty(t, applied)
	})

	t.Run("SQLが壊れている場合はエラーを返しバージョンを記録しないこと", func(t *testing.T) {
		t.Parallel()

		broken := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte("CREATE TABLE (")},
		}
		db := openMemoryDB(t)
		_, err := Run(context.Background(), db, broken, "m", nil)
		require.Error(t, err)

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Zero(t, n)
	})
}
