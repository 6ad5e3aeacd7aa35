package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/italypaleale/actorfx/internal/sql/migrations"
	"github.com/italypaleale/actorfx/internal/sql/sqladapter"
	"github.com/italypaleale/actorfx/internal/sql/transactions"
)

// Migrations applies migration scripts to a SQLite database.
type Migrations struct {
	DB *sql.DB

	// Name of the metadata table
	MetadataTableName string

	// Timeout for each query
	Timeout time.Duration
}

// Perform applies the scripts inside an exclusive transaction, so a single process can run migrations at any time.
func (m Migrations) Perform(ctx context.Context, scripts []migrations.Script, log *slog.Logger) error {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	// Table names come from constants, so they are safe to use in queries
	_, err := transactions.ExecuteInSqlTransaction(ctx, log, m.DB, timeout, "EXCLUSIVE", func(ctx context.Context, conn *sql.Conn) (struct{}, error) {
		queryCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := conn.ExecContext(queryCtx, `CREATE TABLE IF NOT EXISTS `+m.MetadataTableName+` (
			key text NOT NULL PRIMARY KEY,
			value text NOT NULL
		)`)
		cancel()
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, migrations.Migrate(ctx, sqladapter.AdaptDatabaseSQLConn(conn), migrations.Options{
			Scripts:         scripts,
			GetVersionQuery: `SELECT value FROM ` + m.MetadataTableName + ` WHERE key = '` + migrations.VersionKey + `'`,
			SetVersionQuery: func(version string) (string, any) {
				return `REPLACE INTO ` + m.MetadataTableName + ` (key, value) VALUES ('` + migrations.VersionKey + `', ?)`, version
			},
			Timeout: timeout,
		}, log)
	})
	return err
}
