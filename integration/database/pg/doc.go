// Package pg provides PostgreSQL connection management with migrations and health checking.
//
// The package wraps the pgx driver with application-level retry logic, connection pool
// tuning and goose migrations. It backs the postgres queue store but has no queue
// specific code of its own.
//
//   - Connect: creates a connection pool with retry logic and connection verification
//   - Migrate: applies goose migrations from a directory or an embedded filesystem
//   - Healthcheck: returns a ping function for readiness probes
//   - IsNotFoundError, IsDuplicateKeyError: classify common PostgreSQL errors
//   - WithTx, TxFromContext, Conn: carry a transaction through a context
//
// # Configuration
//
//	type Config struct {
//		ConnectionString  string        `env:"PG_CONN_URL,required"`
//		MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
//		MaxIdleConns      int32         `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
//		HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
//		MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
//		MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
//		RetryAttempts     int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval     time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`
//		MigrationsPath    string        `env:"PG_MIGRATIONS_PATH" envDefault:"migrations"`
//		MigrationsTable   string        `env:"PG_MIGRATIONS_TABLE" envDefault:"schema_migrations"`
//	}
//
// Zero values fall back to the defaults above, so a Config holding only a
// connection string is usable.
//
// # Usage
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	sub, _ := fs.Sub(migrations, "migrations")
//	if err := pg.Migrate(ctx, pool, sub, cfg, logger); err != nil {
//		return err
//	}
//
// Pass a nil filesystem to read migrations from cfg.MigrationsPath instead.
//
// # Transactions
//
// Repositories call Conn to pick up a transaction started by the caller:
//
//	tx, _ := pool.Begin(ctx)
//	ctx = pg.WithTx(ctx, tx)
//	// every query issued through pg.Conn(ctx, pool) now runs inside tx
//
// # Error Handling
//
//	ErrEmptyConnectionString    - Config has no connection string
//	ErrFailedToParseDBConfig    - connection string could not be parsed
//	ErrFailedToOpenDBConnection - all connection attempts failed
//	ErrHealthcheckFailed        - ping failed
//	ErrMigrationsDirNotFound    - migrations directory does not exist
//	ErrMigrationPathNotProvided - neither a filesystem nor a path was given
//	ErrFailedToApplyMigrations  - goose reported an error
package pg
