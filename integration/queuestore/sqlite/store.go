// Package sqlite implements queue.Backend on a SQLite database.
//
// Every request is a row whose data column holds the JSON encoded request.
// The status and updated_at columns are authoritative for those two fields so
// Dequeue can claim a request with a single UPDATE ... RETURNING statement.
// Writers are serialized by SQLite, which makes the claim atomic.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
	dbsqlite "github.com/dmitrymomot/zonequeue/integration/database/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ queue.Backend = (*Store)(nil)

// Store is a SQLite backed queue.Backend.
type Store struct {
	db        *sql.DB
	cfg       dbsqlite.Config
	ownsDB    bool
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

// New wraps an open database. The caller owns db; Close leaves it open.
func New(db *sql.DB, cfg dbsqlite.Config, opts ...Option) *Store {
	s := &Store{
		db:        db,
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

// Open opens the database described by cfg. Close closes it.
func Open(ctx context.Context, cfg dbsqlite.Config, opts ...Option) (*Store, error) {
	db, err := dbsqlite.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := New(db, cfg, opts...)
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
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
	if err := dbsqlite.Migrate(ctx, s.db, sub, s.cfg, s.logger); err != nil {
		return wrap("initialize", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	return dbsqlite.Healthcheck(s.db)(ctx)
}

// Close marks the store closed and closes the database when Open created it.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", queue.ErrBackend, op, err)
}
