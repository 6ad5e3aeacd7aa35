package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"k8s.io/utils/clock"

	// Blank import for the sqlite driver
	_ "modernc.org/sqlite"

	"github.com/italypaleale/actorfx/components"
	"github.com/italypaleale/actorfx/internal/sql/migrations"
	sqlitemigrations "github.com/italypaleale/actorfx/internal/sql/migrations/sqlite"
)

//go:embed migrations
var migrationScripts embed.FS

const defaultTimeout = 15 * time.Second

// SQLiteProviderOptions contains the options for the SQLite provider.
type SQLiteProviderOptions struct {
	// Connection string for the database.
	// If DB is set, this is ignored.
	ConnectionString string

	// Database connection to use.
	// The provider doesn't close connections it didn't open.
	DB *sql.DB

	// Timeout for each query.
	// Defaults to 15s.
	Timeout time.Duration

	// Clock used by the timers; for testing
	clock clock.Clock
}

// SQLiteProvider stores actor data in a SQLite database.
type SQLiteProvider struct {
	db      *sql.DB
	ownsDB  bool
	timeout time.Duration
	clock   clock.Clock
	running atomic.Bool
	closed  atomic.Bool
	log     *slog.Logger
	timers  *haxmap.Map[string, *components.LocalTimer]
}

// NewSQLiteProvider returns a new SQLite provider.
// Call Init before using it.
func NewSQLiteProvider(log *slog.Logger, opts SQLiteProviderOptions) (*SQLiteProvider, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &SQLiteProvider{
		timeout: opts.Timeout,
		clock:   opts.clock,
		log:     log.With(slog.String("provider", "sqlite")),
		timers:  haxmap.New[string, *components.LocalTimer](),
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}

	if opts.DB != nil {
		s.db = opts.DB
		return s, nil
	}

	connStr := connectionString(opts.ConnectionString)
	err := connStr.Parse(s.log)
	if err != nil {
		return nil, fmt.Errorf("connection string for SQLite is not valid: %w", err)
	}

	s.db, err = sql.Open("sqlite", string(connStr))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	s.ownsDB = true

	// Shared-cache in-memory databases fail with SQLITE_LOCKED, rather than waiting, when two connections write at once
	if connStr.IsInMemoryDB() {
		s.db.SetMaxOpenConns(1)
	}

	return s, nil
}

// Init performs the schema migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	err := s.performMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to perform migrations: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return components.ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.log.DebugContext(ctx, "SQLite provider started")
	<-ctx.Done()
	return nil
}

func (s *SQLiteProvider) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.timers.ForEach(func(_ string, t *components.LocalTimer) bool {
		t.Stop()
		return true
	})

	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteProvider) Store(namespace string) components.KVStore {
	return &sqliteStore{s: s, namespace: namespace}
}

func (s *SQLiteProvider) Timer(namespace string) components.Timer {
	t, _ := s.timers.GetOrCompute(namespace, func() *components.LocalTimer {
		return components.NewLocalTimer(&sqliteTimerBackend{s: s, namespace: namespace}, s.clock)
	})
	return t
}

func (s *SQLiteProvider) DueTimers(ctx context.Context, now time.Time) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx,
		`SELECT namespace FROM timers WHERE due_time <= ? ORDER BY namespace`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}
	defer rows.Close()

	res := make([]string, 0)
	for rows.Next() {
		var ns string
		err = rows.Scan(&ns)
		if err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		res = append(res, ns)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}

	return res, nil
}

func (s *SQLiteProvider) performMigrations(ctx context.Context) error {
	scripts, err := migrations.LoadScripts(migrationScripts, "migrations")
	if err != nil {
		return err
	}

	m := sqlitemigrations.Migrations{
		DB:                s.db,
		MetadataTableName: "metadata",
	}
	err = m.Perform(ctx, scripts, s.log)
	if err != nil {
		return fmt.Errorf("migrations failed with error: %w", err)
	}

	return nil
}

type sqliteTimerBackend struct {
	s         *SQLiteProvider
	namespace string
}

func (b *sqliteTimerBackend) LoadDueTime(ctx context.Context) (time.Time, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, b.s.timeout)
	defer cancel()

	var due int64
	err := b.s.db.
		QueryRowContext(queryCtx, `SELECT due_time FROM timers WHERE namespace = ?`, b.namespace).
		Scan(&due)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, fmt.Errorf("error executing query: %w", err)
	}

	return time.UnixMilli(due), true, nil
}

func (b *sqliteTimerBackend) SaveDueTime(ctx context.Context, due time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, b.s.timeout)
	defer cancel()

	_, err := b.s.db.ExecContext(queryCtx,
		`REPLACE INTO timers (namespace, due_time) VALUES (?, ?)`,
		b.namespace, due.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	return nil
}

func (b *sqliteTimerBackend) ClearDueTime(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, b.s.timeout)
	defer cancel()

	_, err := b.s.db.ExecContext(queryCtx, `DELETE FROM timers WHERE namespace = ?`, b.namespace)
	if err != nil {
		return fmt.Errorf("error executing query: %w", err)
	}
	return nil
}

// Compile-time interface assertions
var (
	_ components.Provider     = (*SQLiteProvider)(nil)
	_ components.TimerBackend = (*sqliteTimerBackend)(nil)
)
