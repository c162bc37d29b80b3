package pg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// Migrate applies pending goose migrations. Migrations are read from fsys when
// it is non-nil, otherwise from cfg.MigrationsPath on disk. Versions are
// tracked in cfg.MigrationsTable.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, cfg Config, logger *slog.Logger) error {
	cfg = cfg.withDefaults()

	if fsys == nil {
		if cfg.MigrationsPath == "" {
			return ErrMigrationPathNotProvided
		}
		if _, err := os.Stat(cfg.MigrationsPath); err != nil {
			return errors.Join(ErrMigrationsDirNotFound, err)
		}
		fsys = os.DirFS(cfg.MigrationsPath)
	}

	// goose works on database/sql, so borrow a handle backed by the pool.
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	store, err := database.NewStore(database.DialectPostgres, cfg.MigrationsTable)
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
	for _, r := range results {
		if logger != nil {
			logger.InfoContext(ctx, "migration applied",
				slog.String("source", r.Source.Path),
				slog.Int64("version", r.Source.Version),
				slog.String("duration", r.Duration.String()))
		}
	}
	if logger != nil {
		logger.InfoContext(ctx, fmt.Sprintf("database is up to date, %d migrations applied", len(results)))
	}

	return nil
}
