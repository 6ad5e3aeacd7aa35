// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

// Package sqladapter contains adapters so code can work with both database/sql and pgx connections.
package sqladapter

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DatabaseConn is the common interface implemented by the adapters.
type DatabaseConn interface {
	// Exec executes a query and returns the number of rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// QueryRow executes a query that returns at most one row.
	QueryRow(ctx context.Context, query string, args ...any) RowScanner
	// IsNoRowsError returns true if the error is returned when a query has no rows.
	IsNoRowsError(err error) bool
}

// RowScanner is implemented by rows returned by QueryRow.
type RowScanner interface {
	Scan(dest ...any) error
}

// DatabaseSQLConn is implemented by *sql.DB, *sql.Conn, and *sql.Tx.
type DatabaseSQLConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGXConn is implemented by *pgxpool.Pool, *pgx.Conn, and pgx.Tx.
type PGXConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AdaptDatabaseSQLConn returns a DatabaseConn for a database/sql connection.
func AdaptDatabaseSQLConn(db DatabaseSQLConn) DatabaseConn {
	return &sqlAdapter{db: db}
}

// AdaptPgxConn returns a DatabaseConn for a pgx connection.
func AdaptPgxConn(db PGXConn) DatabaseConn {
	return &pgxAdapter{db: db}
}

type sqlAdapter struct {
	db DatabaseSQLConn
}

func (a *sqlAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *sqlAdapter) QueryRow(ctx context.Context, query string, args ...any) RowScanner {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a *sqlAdapter) IsNoRowsError(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type pgxAdapter struct {
	db PGXConn
}

func (a *pgxAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (a *pgxAdapter) QueryRow(ctx context.Context, query string, args ...any) RowScanner {
	return a.db.QueryRow(ctx, query, args...)
}

func (a *pgxAdapter) IsNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
