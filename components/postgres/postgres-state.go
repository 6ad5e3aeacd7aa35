package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/sql/transactions"
)

const upsertQuery = `INSERT INTO kv (namespace, key, value)
VALUES ($1, $2, $3)
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value`

// postgresStore is the KVStore for a namespace.
type postgresStore struct {
	p         *PostgresProvider
	namespace string
}

func (st *postgresStore) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	err = st.p.db.
		QueryRow(queryCtx,
			`SELECT value FROM kv WHERE namespace = $1 AND key = $2`,
			st.namespace, key,
		).
		Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("error executing query: %w", err)
	}

	return value, true, nil
}

func (st *postgresStore) Put(ctx context.Context, key string, value []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	_, err := st.p.db.Exec(queryCtx, upsertQuery, st.namespace, key, nonNil(value))
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	return nil
}

func (st *postgresStore) PutBatch(ctx context.Context, entries map[string][]byte) error {
	return st.WriteBatch(ctx, entries, nil)
}

func (st *postgresStore) Delete(ctx context.Context, key string) (existed bool, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	res, err := st.p.db.Exec(queryCtx,
		`DELETE FROM kv WHERE namespace = $1 AND key = $2`,
		st.namespace, key,
	)
	if err != nil {
		return false, fmt.Errorf("error executing query: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

func (st *postgresStore) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	res, err := st.p.db.Exec(queryCtx,
		`DELETE FROM kv WHERE namespace = $1 AND key = ANY($2)`,
		st.namespace, keys,
	)
	if err != nil {
		return 0, fmt.Errorf("error executing query: %w", err)
	}
	return int(res.RowsAffected()), nil
}

func (st *postgresStore) WriteBatch(ctx context.Context, puts map[string][]byte, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	_, err := transactions.ExecuteInPgxTransaction(ctx, st.p.log, st.p.db, st.p.timeout, func(ctx context.Context, tx pgx.Tx) (z struct{}, err error) {
		queryCtx, cancel := context.WithTimeout(ctx, st.p.timeout)
		defer cancel()

		b := &pgx.Batch{}
		for k, v := range puts {
			b.Queue(upsertQuery, st.namespace, k, nonNil(v))
		}
		if len(deletes) > 0 {
			b.Queue(`DELETE FROM kv WHERE namespace = $1 AND key = ANY($2)`, st.namespace, deletes)
		}

		err = tx.SendBatch(queryCtx, b).Close()
		if err != nil {
			return z, fmt.Errorf("error executing batch: %w", err)
		}
		return z, nil
	})
	return err
}

func (st *postgresStore) List(ctx context.Context, prefix string) ([]components.Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, st.p.timeout)
	defer cancel()

	// The key column uses the "C" collation, so keys are ordered byte-wise
	rows, err := st.p.db.Query(queryCtx,
		`SELECT key, value
		FROM kv
		WHERE
			namespace = $1
			AND starts_with(key, $2)
		ORDER BY key`,
		st.namespace, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}

	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (components.Entry, error) {
		var e components.Entry
		err := row.Scan(&e.Key, &e.Value)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}
	return res, nil
}

func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

// Compile-time interface assertions
var (
	_ components.KVStore     = (*postgresStore)(nil)
	_ components.BatchWriter = (*postgresStore)(nil)
)
