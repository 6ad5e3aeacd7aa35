package pgmigrations

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/italypaleale/actorfx/internal/sql/migrations"
	"github.com/italypaleale/actorfx/internal/sql/sqladapter"
	"github.com/italypaleale/actorfx/internal/sql/transactions"
)

// ErrLockTimeout is returned when another process holds the migration lock for longer than the lock timeout.
var ErrLockTimeout = errors.New("timed out waiting for the migration lock")

// Migrations applies migration scripts to a Postgres database.
type Migrations struct {
	DB *pgxpool.Pool

	// Name of the metadata table
	MetadataTableName string

	// Maximum time to wait for the migration lock
	// Defaults to 1 minute.
	LockTimeout time.Duration
}

// Perform applies the scripts in a single transaction, which holds an advisory lock so concurrent processes wait for each other.
// DDL is transactional in Postgres, so a failed migration leaves the schema unchanged.
func (m Migrations) Perform(ctx context.Context, scripts []migrations.Script, log *slog.Logger) error {
	lockTimeout := m.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = time.Minute
	}

	_, err := transactions.ExecuteInPgxTransaction(ctx, log, m.DB, lockTimeout+time.Minute, func(ctx context.Context, tx pgx.Tx) (struct{}, error) {
		log.DebugContext(ctx, "Acquiring migration lock")
		_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", lockTimeout.Milliseconds()))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to set lock timeout: %w", err)
		}
		_, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", m.lockID())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable {
				return struct{}{}, ErrLockTimeout
			}
			return struct{}{}, fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		log.DebugContext(ctx, "Migration lock acquired")

		// Table names come from constants, so they are safe to use in queries
		_, err = tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+m.MetadataTableName+` (
			key text NOT NULL PRIMARY KEY,
			value text NOT NULL
		)`)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create metadata table: %w", err)
		}

		return struct{}{}, migrations.Migrate(ctx, sqladapter.AdaptPgxConn(tx), migrations.Options{
			Scripts:         scripts,
			GetVersionQuery: `SELECT value FROM ` + m.MetadataTableName + ` WHERE key = '` + migrations.VersionKey + `'`,
			SetVersionQuery: func(version string) (string, any) {
				return `INSERT INTO ` + m.MetadataTableName + ` (key, value) VALUES ('` + migrations.VersionKey + `', $1)
					ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, version
			},
		}, log)
	})
	return err
}

// lockID is derived from the metadata table name.
func (m Migrations) lockID() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("actorfx-migrations:" + m.MetadataTableName))
	return int64(h.Sum64()) //nolint:gosec
}
