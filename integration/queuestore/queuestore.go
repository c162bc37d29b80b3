// Package queuestore opens the queue.Backend named by configuration.
//
//	var cfg queuestore.Config
//	config.MustLoad(&cfg)
//
//	backend, err := queuestore.Open(ctx, cfg, log)
//	if err != nil {
//		return err
//	}
//	defer backend.Close(context.Background())
//
// Supported backends are memory, sqlite, redis, postgres and mongo. The
// returned backend is already initialized.
package queuestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/integration/database/pg"
	dbmongo "github.com/dmitrymomot/zonequeue/integration/database/mongo"
	dbredis "github.com/dmitrymomot/zonequeue/integration/database/redis"
	dbsqlite "github.com/dmitrymomot/zonequeue/integration/database/sqlite"
	mongostore "github.com/dmitrymomot/zonequeue/integration/queuestore/mongo"
	pgstore "github.com/dmitrymomot/zonequeue/integration/queuestore/postgres"
	redisstore "github.com/dmitrymomot/zonequeue/integration/queuestore/redis"
	sqlitestore "github.com/dmitrymomot/zonequeue/integration/queuestore/sqlite"
)

// Backend names.
const (
	Memory   = "memory"
	SQLite   = "sqlite"
	Redis    = "redis"
	Postgres = "postgres"
	Mongo    = "mongo"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("queuestore: unknown backend")

// Config selects and configures a backend.
type Config struct {
	Backend       string        `env:"ZONEQUEUE_BACKEND" envDefault:"memory"`
	SQLitePath    string        `env:"ZONEQUEUE_SQLITE_PATH" envDefault:"zonequeue.db"`
	PostgresURL   string        `env:"ZONEQUEUE_POSTGRES_URL"`
	RedisURL      string        `env:"ZONEQUEUE_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string        `env:"ZONEQUEUE_REDIS_PREFIX" envDefault:"zonequeue:"`
	MongoURL      string        `env:"ZONEQUEUE_MONGO_URL"`
	MongoDatabase string        `env:"ZONEQUEUE_MONGO_DATABASE" envDefault:"zonequeue"`
	Retention     time.Duration `env:"ZONEQUEUE_RETENTION" envDefault:"1h"`
}

// Open creates, connects and initializes the backend named by cfg.Backend.
// An empty name selects the memory backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (queue.Backend, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("backend", cfg.name()))

	backend, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := backend.Initialize(ctx); err != nil {
		_ = backend.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("initialize %s backend: %w", cfg.name(), err)
	}

	logger.InfoContext(ctx, "queue backend ready")
	return backend, nil
}

func open(ctx context.Context, cfg Config, logger *slog.Logger) (queue.Backend, error) {
	switch cfg.name() {
	case Memory:
		return queue.NewMemoryBackend(
			queue.WithMemoryRetention(cfg.Retention),
			queue.WithMemoryLogger(logger),
		), nil

	case SQLite:
		return sqlitestore.Open(ctx, dbsqlite.Config{Path: cfg.SQLitePath},
			sqlitestore.WithRetention(cfg.Retention),
			sqlitestore.WithLogger(logger),
		)

	case Redis:
		return redisstore.Open(ctx, dbredis.Config{ConnectionURL: cfg.RedisURL},
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithRetention(cfg.Retention),
			redisstore.WithLogger(logger),
		)

	case Postgres:
		return pgstore.Open(ctx, pg.Config{ConnectionString: cfg.PostgresURL},
			pgstore.WithRetention(cfg.Retention),
			pgstore.WithLogger(logger),
		)

	case Mongo:
		return mongostore.Open(ctx, dbmongo.Config{ConnectionURL: cfg.MongoURL}, cfg.MongoDatabase,
			mongostore.WithRetention(cfg.Retention),
			mongostore.WithLogger(logger),
		)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

func (c Config) name() string {
	if c.Backend == "" {
		return Memory
	}
	return c.Backend
}
