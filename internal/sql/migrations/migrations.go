// Package migrations applies versioned SQL scripts to a database, recording the applied version in a metadata table.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/italypaleale/actorfx/internal/sql/sqladapter"
)

// Name of the row in the metadata table that stores the schema version.
const VersionKey = "migrations-version"

// Script is a migration script.
// Scripts are applied in the order of their names, and the version of the schema is the number of scripts applied.
type Script struct {
	Name string
	SQL  string
}

// LoadScripts reads all migration scripts in the directory dir of fsys, sorted by name.
func LoadScripts(fsys fs.FS, dir string) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("error while loading migration scripts: %w", err)
	}

	scripts := make([]Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("error reading migration script '%s': %w", e.Name(), err)
		}
		scripts = append(scripts, Script{Name: e.Name(), SQL: string(data)})
	}

	slices.SortFunc(scripts, func(a, b Script) int {
		return strings.Compare(a.Name, b.Name)
	})

	return scripts, nil
}

// Options for Migrate.
type Options struct {
	// Scripts to apply.
	Scripts []Script

	// Query that returns the current version as a string.
	// If the query returns no rows, the version is 0.
	GetVersionQuery string

	// Returns the query that stores the new version, and its argument.
	SetVersionQuery func(version string) (string, any)

	// Timeout for each query.
	// Defaults to 1 minute.
	Timeout time.Duration
}

// Migrate applies the scripts that were not applied yet.
// The caller is responsible for ensuring the metadata table exists and for holding a lock while migrations run.
func Migrate(ctx context.Context, db sqladapter.DatabaseConn, opts Options, log *slog.Logger) error {
	log = log.With(slog.String("component", "migrations"))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	version, err := currentVersion(ctx, db, opts.GetVersionQuery, timeout)
	if err != nil {
		return err
	}
	log.DebugContext(ctx, "Loaded current schema version", slog.Int("version", version), slog.Int("latest", len(opts.Scripts)))

	if version > len(opts.Scripts) {
		return fmt.Errorf("schema version %d is newer than the latest known version %d", version, len(opts.Scripts))
	}

	for i, s := range opts.Scripts[version:] {
		next := version + i + 1
		log.InfoContext(ctx, "Performing database migration", slog.String("migration", s.Name), slog.Int("version", next))

		queryCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err = db.Exec(queryCtx, s.SQL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to perform migration '%s': %w", s.Name, err)
		}

		query, arg := opts.SetVersionQuery(strconv.Itoa(next))
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		_, err = db.Exec(queryCtx, query, arg)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to update schema version in metadata table: %w", err)
		}
	}

	return nil
}

func currentVersion(ctx context.Context, db sqladapter.DatabaseConn, query string, timeout time.Duration) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var val string
	err := db.QueryRow(queryCtx, query).Scan(&val)
	if db.IsNoRowsError(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	version, err := strconv.Atoi(val)
	if err != nil || version < 0 {
		return 0, fmt.Errorf("invalid schema version found in metadata table: %q", val)
	}
	return version, nil
}
