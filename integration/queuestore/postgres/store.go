// Package postgres implements queue.Backend on PostgreSQL.
//
// Dequeue claims a row with UPDATE ... FOR UPDATE SKIP LOCKED so any number of
// queue nodes can share one table. When the context carries a transaction
// (see pg.WithTx) every statement joins it, which lets callers enqueue
// requests atomically with their own writes.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/integration/database/pg"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ queue.Backend = (*Store)(nil)

// Store is a PostgreSQL backed queue.Backend.
type Store struct {
	pool      *pgxpool.Pool
	cfg       pg.Config
	ownsPool  bool
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	closed    atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetention sets how long terminal requests are kept before Maintenance purges them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an existing pool. The caller owns the pool; Close leaves it open.
func New(pool *pgxpool.Pool, cfg pg.Config, opts ...Option) *Store {
	if cfg.MigrationsTable == "" {
		cfg.MigrationsTable = "zonequeue_migrations"
	}
	s := &Store{
		pool:      pool,
		cfg:       cfg,
		retention: queue.DefaultRetention,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects using cfg. Close closes the pool.
func Open(ctx context.Context, cfg pg.Config, opts ...Option) (*Store, error) {
	pool, err := pg.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := New(pool, cfg, opts...)
	s.ownsPool = true
	return s, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Initialize applies the embedded schema migrations.
func (s *Store) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return wrap("migrations", err)
	}
	if err := pg.Migrate(ctx, s.pool, sub, s.cfg, s.logger); err != nil {
		return wrap("initialize", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	return pg.Healthcheck(s.pool)(ctx)
}

// Close marks the store closed and closes the pool when Open created it.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// conn returns the transaction carried by ctx or the pool.
func (s *Store) conn(ctx context.Context) pg.Querier {
	return pg.Conn(ctx, s.pool)
}

// begin starts a transaction, nested as a savepoint when ctx already carries one.
func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx.Begin(ctx)
	}
	return s.pool.Begin(ctx)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", queue.ErrBackend, op, err)
}
