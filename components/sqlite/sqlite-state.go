package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/sql/transactions"
)

// sqliteStore is the KVStore for a namespace.
type sqliteStore struct {
	s         *SQLiteProvider
	namespace string
}

func (st *sqliteStore) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, st.s.timeout)
	defer cancel()

	err = st.s.db.
		QueryRowContext(queryCtx,
			`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
			st.namespace, key,
		).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("error executing query: %w", err)
	}

	return value, true, nil
}

func (st *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	queryCtx, cancel := context.WithTimeout(ctx, st.s.timeout)
	defer cancel()

	err := st.put(queryCtx, st.s.db, key, value)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	return nil
}

func (st *sqliteStore) PutBatch(ctx context.Context, entries map[string][]byte) error {
	return st.WriteBatch(ctx, entries, nil)
}

func (st *sqliteStore) Delete(ctx context.Context, key string) (existed bool, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, st.s.timeout)
	defer cancel()

	n, err := st.delete(queryCtx, st.s.db, key)
	if err != nil {
		return false, fmt.Errorf("error executing query: %w", err)
	}
	return n > 0, nil
}

func (st *sqliteStore) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	return transactions.ExecuteInSqlTransaction(ctx, st.s.log, st.s.db, st.s.timeout, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (int, error) {
		var deleted int
		for _, k := range keys {
			n, err := st.delete(ctx, tx, k)
			if err != nil {
				return 0, fmt.Errorf("error deleting key '%s': %w", k, err)
			}
			deleted += int(n)
		}
		return deleted, nil
	})
}

func (st *sqliteStore) WriteBatch(ctx context.Context, puts map[string][]byte, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	_, err := transactions.ExecuteInSqlTransaction(ctx, st.s.log, st.s.db, st.s.timeout, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (struct{}, error) {
		for k, v := range puts {
			err := st.put(ctx, tx, k, v)
			if err != nil {
				return struct{}{}, fmt.Errorf("error writing key '%s': %w", k, err)
			}
		}
		for _, k := range deletes {
			_, err := st.delete(ctx, tx, k)
			if err != nil {
				return struct{}{}, fmt.Errorf("error deleting key '%s': %w", k, err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

func (st *sqliteStore) List(ctx context.Context, prefix string) ([]components.Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, st.s.timeout)
	defer cancel()

	// substr counts characters, and it avoids the escaping LIKE would need for '%' and '_'
	rows, err := st.s.db.QueryContext(queryCtx,
		`SELECT key, value
		FROM kv
		WHERE
			namespace = ?
			AND substr(key, 1, ?) = ?
		ORDER BY key`,
		st.namespace, utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}
	defer rows.Close()

	res := make([]components.Entry, 0)
	for rows.Next() {
		var e components.Entry
		err = rows.Scan(&e.Key, &e.Value)
		if err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		res = append(res, e)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}

	return res, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (st *sqliteStore) put(ctx context.Context, db execer, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	_, err := db.ExecContext(ctx,
		`REPLACE INTO kv (namespace, key, value) VALUES (?, ?, ?)`,
		st.namespace, key, value,
	)
	return err
}

func (st *sqliteStore) delete(ctx context.Context, db execer, key string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`,
		st.namespace, key,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Compile-time interface assertions
var (
	_ components.KVStore     = (*sqliteStore)(nil)
	_ components.BatchWriter = (*sqliteStore)(nil)
)
