package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"
)

var schemaNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PostgresProviderOptions contains the options for the Postgres provider.
// One of ConnectionString and DB is required.
type PostgresProviderOptions struct {
	// Connection string for the Postgres database, used to create a new connection pool
	ConnectionString string

	// Existing connection pool
	// The provider doesn't close pools it didn't create
	DB *pgxpool.Pool

	// Schema where the tables are stored
	// It's created if it doesn't exist, and it's set as the search path of each connection.
	// Only used with ConnectionString; when DB is set, the pool must be configured by the caller.
	Schema string

	// Maximum number of connections in the pool
	// If unset, uses the pgxpool default.
	MaxConns int32

	// Timeout for requests to the database
	Timeout time.Duration

	// Clock, used to pass a mock one for testing
	clock clock.Clock
}

func (o PostgresProviderOptions) validate() error {
	if o.ConnectionString == "" && o.DB == nil {
		return errors.New("one of ConnectionString and DB is required in Postgres options")
	}
	if o.ConnectionString != "" && o.DB != nil {
		return errors.New("ConnectionString and DB are mutually exclusive in Postgres options")
	}
	if o.Schema != "" && !schemaNameRegexp.MatchString(o.Schema) {
		return fmt.Errorf("property Schema in Postgres options is not a valid identifier: %q", o.Schema)
	}
	if o.MaxConns < 0 {
		return errors.New("MaxConns in Postgres options must not be negative")
	}
	return nil
}

// GetPgxPoolConfig returns the configuration of the pool that the provider creates from the connection string.
func (o PostgresProviderOptions) GetPgxPoolConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(o.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("property ConnectionString in Postgres options is invalid: %w", err)
	}

	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}

	if o.Schema != "" {
		// The schema name was validated, so it can be quoted directly
		schema := `"` + o.Schema + `"`
		cfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
			_, err := c.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema)
			if err != nil {
				return fmt.Errorf("failed to ensure schema '%s' exists: %w", o.Schema, err)
			}
			_, err = c.Exec(ctx, `SET SESSION search_path = `+schema+`, pg_catalog, public`)
			if err != nil {
				return fmt.Errorf("failed to set search path: %w", err)
			}
			return nil
		}
	}

	return cfg, nil
}
