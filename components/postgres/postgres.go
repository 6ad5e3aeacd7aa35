package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/sql/migrations"
	postgresmigrations "github.com/italypaleale/actorfx/internal/sql/migrations/postgres"
)

var (
	//go:embed migrations
	migrationScripts embed.FS
)

const DefaultTimeout = 5 * time.Second

// PostgresProvider stores actor data in a Postgres database.
type PostgresProvider struct {
	db      *pgxpool.Pool
	ownsDB  bool
	running atomic.Bool
	log     *slog.Logger
	timeout time.Duration
	clock   clock.Clock

	timersLock sync.Mutex
	timers     map[string]*components.LocalTimer
}

func NewPostgresProvider(log *slog.Logger, postgresOpts PostgresProviderOptions) (*PostgresProvider, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	err := postgresOpts.validate()
	if err != nil {
		return nil, err
	}

	p := &PostgresProvider{
		log:     log.With(slog.String("provider", "postgres")),
		timeout: postgresOpts.Timeout,
		db:      postgresOpts.DB,
		clock:   postgresOpts.clock,
		timers:  map[string]*components.LocalTimer{},
	}

	// Set default values
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}

	// Open a database connection unless we have one passed in already
	if p.db == nil {
		var cfg *pgxpool.Config
		cfg, err = postgresOpts.GetPgxPoolConfig()
		if err != nil {
			return nil, err
		}

		connCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.db, err = pgxpool.NewWithConfig(connCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres database: %w", err)
		}
		p.ownsDB = true
	}

	return p, nil
}

func (p *PostgresProvider) Init(ctx context.Context) error {
	// Perform schema migrations
	err := p.performMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to perform schema migrations: %w", err)
	}

	return nil
}

func (p *PostgresProvider) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.log.DebugContext(ctx, "Postgres provider started")

	// Wait for the context to be canceled
	<-ctx.Done()

	return nil
}

func (p *PostgresProvider) Close() error {
	p.timersLock.Lock()
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = map[string]*components.LocalTimer{}
	p.timersLock.Unlock()

	if p.ownsDB {
		p.db.Close()
	}
	return nil
}

func (p *PostgresProvider) Store(namespace string) components.KVStore {
	return &postgresStore{p: p, namespace: namespace}
}

func (p *PostgresProvider) Timer(namespace string) components.Timer {
	p.timersLock.Lock()
	defer p.timersLock.Unlock()

	t, ok := p.timers[namespace]
	if !ok {
		t = components.NewLocalTimer(&postgresTimerBackend{p: p, namespace: namespace}, p.clock)
		p.timers[namespace] = t
	}
	return t
}

func (p *PostgresProvider) DueTimers(ctx context.Context, now time.Time) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.Query(queryCtx,
		`SELECT namespace FROM timers WHERE due_time <= $1 ORDER BY namespace`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}

	res, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}
	return res, nil
}

func (p *PostgresProvider) performMigrations(ctx context.Context) error {
	scripts, err := migrations.LoadScripts(migrationScripts, "migrations")
	if err != nil {
		return err
	}

	m := postgresmigrations.Migrations{
		DB:                p.db,
		MetadataTableName: "metadata",
	}
	err = m.Perform(ctx, scripts, p.log)
	if err != nil {
		return fmt.Errorf("migrations failed with error: %w", err)
	}

	return nil
}

type postgresTimerBackend struct {
	p         *PostgresProvider
	namespace string
}

func (b *postgresTimerBackend) LoadDueTime(ctx context.Context) (time.Time, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, b.p.timeout)
	defer cancel()

	var due int64
	err := b.p.db.
		QueryRow(queryCtx, `SELECT due_time FROM timers WHERE namespace = $1`, b.namespace).
		Scan(&due)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, fmt.Errorf("error executing query: %w", err)
	}

	return time.UnixMilli(due), true, nil
}

func (b *postgresTimerBackend) SaveDueTime(ctx context.Context, due time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, b.p.timeout)
	defer cancel()

	_, err := b.p.db.Exec(queryCtx,
		`INSERT INTO timers (namespace, due_time)
		VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET due_time = EXCLUDED.due_time`,
		b.namespace, due.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	return nil
}

func (b *postgresTimerBackend) ClearDueTime(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, b.p.timeout)
	defer cancel()

	_, err := b.p.db.Exec(queryCtx, `DELETE FROM timers WHERE namespace = $1`, b.namespace)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	return nil
}

// Compile-time interface assertions
var (
	_ components.Provider     = (*PostgresProvider)(nil)
	_ components.TimerBackend = (*postgresTimerBackend)(nil)
)
