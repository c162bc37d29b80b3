package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

var (
	ErrEmptyPath               = errors.New("empty sqlite database path")
	ErrFailedToOpenDatabase    = errors.New("failed to open sqlite database")
	ErrFailedToApplyMigrations = errors.New("failed to apply migrations")
	ErrHealthcheckFailed       = errors.New("sqlite healthcheck failed")
)

// Config holds SQLite settings.
type Config struct {
	Path            string        `env:"SQLITE_PATH" envDefault:"zonequeue.db"`
	BusyTimeout     time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`
	JournalMode     string        `env:"SQLITE_JOURNAL_MODE" envDefault:"WAL"`
	MigrationsTable string        `env:"SQLITE_MIGRATIONS_TABLE" envDefault:"schema_migrations"`
}

// DSN builds the driver connection string for cfg.
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")

	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))

	if c.Path != ":memory:" {
		mode := c.JournalMode
		if mode == "" {
			mode = "WAL"
		}
		q.Set("_journal_mode", mode)
	}

	return "file:" + c.Path + "?" + q.Encode()
}

// Open opens the database and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, errors.Join(ErrFailedToOpenDatabase, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrFailedToOpenDatabase, err)
	}
	return db, nil
}

// Migrate applies pending goose migrations found in fsys.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, cfg Config, logger *slog.Logger) error {
	table := cfg.MigrationsTable
	if table == "" {
		table = "schema_migrations"
	}

	store, err := database.NewStore(database.DialectSQLite3, table)
	if err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	provider, err := goose.NewProvider("", db, fsys, goose.WithStore(store))
	if err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if logger != nil && len(results) > 0 {
		logger.InfoContext(ctx, "sqlite migrations applied", slog.Int("count", len(results)))
	}
	return nil
}

// Healthcheck returns a function that pings the database.
func Healthcheck(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// IsNotFoundError reports whether err means the query matched no rows.
func IsNotFoundError(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDuplicateKeyError reports whether err is a primary key or unique constraint violation.
func IsDuplicateKeyError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		se.ExtendedCode == sqlite3.ErrConstraintUnique
}
