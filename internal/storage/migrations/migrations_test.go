package migrations

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleMigration = Migration{
	Version:     1,
	Description: "Add example test table",
	Up: `
		CREATE TABLE IF NOT EXISTS test_table (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_test_table_name ON test_table(name);
	`,
	Down: `
		DROP TABLE IF EXISTS test_table
	`,
}

var secondMigration = Migration{
	Version:     2,
	Description: "Add a column",
	Up:          `ALTER TABLE test_table ADD COLUMN note TEXT`,
	Down:        `ALTER TABLE test_table DROP COLUMN note`,
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "migrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteMigrations(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	manager := NewManager(exampleMigration)
	applied, err := manager.ApplySQLite(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	version, err := SQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = db.Exec("INSERT INTO test_table (id, name) VALUES (1, 'test')")
	require.NoError(t, err, "test table not created")

	// Applying again is a no-op
	applied, err = manager.ApplySQLite(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	require.NoError(t, manager.RollbackSQLite(ctx, db))

	version, err = SQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	_, err = db.Exec("INSERT INTO test_table (id, name) VALUES (1, 'test')")
	assert.Error(t, err, "test table should have been dropped")

	assert.ErrorIs(t, manager.RollbackSQLite(ctx, db), ErrNothingToRollback)
}

func TestSQLiteMigrationsApplyInOrder(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	manager := NewManager(secondMigration, exampleMigration)
	applied, err := manager.ApplySQLite(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, 2, manager.Latest())

	_, err = db.Exec("INSERT INTO test_table (id, name, note) VALUES (1, 'a', 'b')")
	assert.NoError(t, err)
}

func TestSQLiteMigrationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	broken := Migration{Version: 2, Description: "Broken", Up: `ALTER TABLE missing_table ADD COLUMN x TEXT`}
	manager := NewManager(exampleMigration, broken)

	applied, err := manager.ApplySQLite(ctx, db)
	assert.Error(t, err)
	assert.Equal(t, 1, applied)

	version, err := SQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestPostgresMigrations(t *testing.T) {
	dsn := os.Getenv("WIKITRACK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WIKITRACK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS test_table; DROP TABLE IF EXISTS schema_version")
	require.NoError(t, err)

	manager := NewManager(exampleMigration)
	applied, err := manager.ApplyPostgres(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	version, err := PostgresVersion(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, manager.RollbackPostgres(ctx, pool))
	version, err = PostgresVersion(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestMigrationOrdering(t *testing.T) {
	manager := NewManager(
		Migration{Version: 3, Description: "Third"},
		Migration{Version: 1, Description: "First"},
		Migration{Version: 2, Description: "Second"},
	)

	manager.sortMigrations()

	require.Len(t, manager.migrations, 3)
	for i, m := range manager.migrations {
		assert.Equal(t, i+1, m.Version)
	}
}
