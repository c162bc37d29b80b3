// Package sqlite opens SQLite databases through mattn/go-sqlite3 and applies
// goose migrations to them.
//
// SQLite allows a single writer, so Open limits the pool to one connection
// and starts every transaction with BEGIN IMMEDIATE. The database backs the
// sqlite queue store for single-node durable deployments.
//
// # Usage
//
//	db, err := sqlite.Open(ctx, sqlite.Config{Path: "/var/lib/zonequeue/queue.db"})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	if err := sqlite.Migrate(ctx, db, migrations, cfg, logger); err != nil {
//		return err
//	}
//
// Use ":memory:" as the path for a throwaway database.
package sqlite
