package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	applied, err := NewRunner(db).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_links.sql", "002_preferences.sql"}, applied)

	for _, table := range []string{"links", "preferences", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(openTestDB(t))

	_, err := r.Run(ctx)
	require.NoError(t, err)
	applied, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Current)
	assert.Empty(t, st.Pending)
}

func TestStatusBeforeRun(t *testing.T) {
	st, err := NewRunner(openTestDB(t)).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Current)
	require.Len(t, st.Pending, 2)
	assert.Equal(t, "001_links.sql", st.Pending[0].Name)
}

func TestFailedMigrationLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(openTestDB(t))
	r.fsys = fstest.MapFS{
		"migrations/001_ok.sql":     {Data: []byte("CREATE TABLE ok (id INTEGER);")},
		"migrations/002_broken.sql": {Data: []byte("CREATE TABLE broken (;")},
	}

	applied, err := r.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"001_ok.sql"}, applied)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Current)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, 2, st.Pending[0].Version)
}

func TestDuplicateVersionRejected(t *testing.T) {
	r := NewRunner(openTestDB(t))
	r.fsys = fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("SELECT 1;")},
		"migrations/001_b.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "share version 1")
}
