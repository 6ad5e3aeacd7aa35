// Package transactions runs functions inside database transactions for database/sql and pgx.
package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecuteInSqlTransaction runs fn in a transaction on a connection reserved from db.
// The transaction is started with "BEGIN <mode> TRANSACTION", so callers can pick the SQLite locking mode ("DEFERRED", "IMMEDIATE", or "EXCLUSIVE").
// It is committed if fn returns nil, and rolled back otherwise.
func ExecuteInSqlTransaction[T any](ctx context.Context, log *slog.Logger, db *sql.DB, timeout time.Duration, mode string, fn func(ctx context.Context, conn *sql.Conn) (T, error)) (res T, err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to get a connection from the pool: %w", err)
	}
	defer conn.Close()

	exec := func(stmt string) error {
		queryCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, execErr := conn.ExecContext(queryCtx, stmt)
		return execErr
	}

	err = exec("BEGIN " + mode + " TRANSACTION")
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return run(ctx, log,
		func(ctx context.Context) (T, error) { return fn(ctx, conn) },
		func() error { return exec("COMMIT") },
		func() error { return exec("ROLLBACK") },
	)
}

// ExecuteInPgxTransaction runs fn in a transaction started on the pool.
// It is committed if fn returns nil, and rolled back otherwise.
// The timeout applies to the BEGIN, COMMIT, and ROLLBACK statements only.
func ExecuteInPgxTransaction[T any](ctx context.Context, log *slog.Logger, db *pgxpool.Pool, timeout time.Duration, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (res T, err error) {
	beginCtx, cancel := context.WithTimeout(ctx, timeout)
	tx, err := db.Begin(beginCtx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// The context is detached so the transaction can be finalized even when ctx is canceled
	finish := func(f func(context.Context) error) func() error {
		return func() error {
			finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer finishCancel()
			return f(finishCtx)
		}
	}

	return run(ctx, log,
		func(ctx context.Context) (T, error) { return fn(ctx, tx) },
		finish(tx.Commit),
		finish(func(ctx context.Context) error {
			// Rolling back after a failed commit returns ErrTxClosed
			rollbackErr := tx.Rollback(ctx)
			if errors.Is(rollbackErr, pgx.ErrTxClosed) {
				return nil
			}
			return rollbackErr
		}),
	)
}

// run invokes fn, then commit or rollback.
// If fn panics, the transaction is rolled back before the panic propagates.
func run[T any](ctx context.Context, log *slog.Logger, fn func(ctx context.Context) (T, error), commit func() error, rollback func() error) (res T, err error) {
	committed := false
	defer func() {
		if committed {
			return
		}
		rollbackErr := rollback()
		if rollbackErr != nil {
			log.ErrorContext(ctx, "Error while attempting to roll back transaction", slog.Any("error", rollbackErr))
		}
	}()

	res, err = fn(ctx)
	if err != nil {
		return res, err
	}

	err = commit()
	if err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return res, nil
}
