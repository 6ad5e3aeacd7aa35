package migrations

import (
	"database/sql"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/italypaleale/actorfx/internal/sql/sqladapter"
)

func TestLoadScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002-second.sql": {Data: []byte("CREATE TABLE b (id integer)")},
		"m/001-first.sql":  {Data: []byte("CREATE TABLE a (id integer)")},
		"m/README.md":      {Data: []byte("not a script")},
		"m/sub/003.sql":    {Data: []byte("ignored")},
	}

	scripts, err := LoadScripts(fsys, "m")
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "001-first.sql", scripts[0].Name)
	assert.Equal(t, "CREATE TABLE a (id integer)", scripts[0].SQL)
	assert.Equal(t, "002-second.sql", scripts[1].Name)

	_, err = LoadScripts(fsys, "missing")
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate-test?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(t.Context(), `CREATE TABLE metadata (key text NOT NULL PRIMARY KEY, value text NOT NULL)`)
	require.NoError(t, err)

	log := slog.New(slog.DiscardHandler)
	opts := Options{
		Scripts: []Script{
			{Name: "001.sql", SQL: "CREATE TABLE a (id integer)"},
		},
		GetVersionQuery: `SELECT value FROM metadata WHERE key = 'migrations-version'`,
		SetVersionQuery: func(version string) (string, any) {
			return `REPLACE INTO metadata (key, value) VALUES ('migrations-version', ?)`, version
		},
	}
	version := func() string {
		var v string
		require.NoError(t, db.QueryRowContext(t.Context(), opts.GetVersionQuery).Scan(&v))
		return v
	}

	t.Run("applies pending scripts", func(t *testing.T) {
		err := Migrate(t.Context(), sqladapter.AdaptDatabaseSQLConn(db), opts, log)
		require.NoError(t, err)
		assert.Equal(t, "1", version())
	})

	t.Run("skips applied scripts", func(t *testing.T) {
		opts.Scripts = append(opts.Scripts, Script{Name: "002.sql", SQL: "CREATE TABLE b (id integer)"})

		// Re-running 001 would fail because the table exists
		err := Migrate(t.Context(), sqladapter.AdaptDatabaseSQLConn(db), opts, log)
		require.NoError(t, err)
		assert.Equal(t, "2", version())
	})

	t.Run("version newer than scripts", func(t *testing.T) {
		opts.Scripts = opts.Scripts[:1]
		err := Migrate(t.Context(), sqladapter.AdaptDatabaseSQLConn(db), opts, log)
		require.ErrorContains(t, err, "newer than the latest known version")
	})

	t.Run("failing script", func(t *testing.T) {
		opts.Scripts = []Script{
			{Name: "001.sql", SQL: "CREATE TABLE a (id integer)"},
			{Name: "002.sql", SQL: "CREATE TABLE b (id integer)"},
			{Name: "003.sql", SQL: "NOT VALID SQL"},
		}
		err := Migrate(t.Context(), sqladapter.AdaptDatabaseSQLConn(db), opts, log)
		require.ErrorContains(t, err, "failed to perform migration '003.sql'")
		assert.Equal(t, "2", version())
	})
}
