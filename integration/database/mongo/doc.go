// Package mongo provides MongoDB client initialization and health checking.
//
// New and NewWithDatabase wrap the official driver with retry logic so that
// slow cold starts (common on hosted clusters) or brief network interruptions
// do not fail application startup. The client backs the mongo queue store.
//
// # Usage
//
//	var cfg mongo.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
//	db, err := mongo.NewWithDatabase(ctx, cfg, "zonequeue")
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(ctx)
//
// # Configuration
//
//	MONGODB_URL                 (required)
//	MONGODB_CONNECT_TIMEOUT     (default: 10s)
//	MONGODB_MAX_POOL_SIZE       (default: 100)
//	MONGODB_MIN_POOL_SIZE       (default: 1)
//	MONGODB_MAX_CONN_IDLE_TIME  (default: 300s)
//	MONGODB_RETRY_WRITES        (default: true)
//	MONGODB_RETRY_READS         (default: true)
//	MONGODB_RETRY_ATTEMPTS      (default: 3)
//	MONGODB_RETRY_INTERVAL      (default: 5s)
//
// # Error Handling
//
//	ErrEmptyConnectionURL     - no connection URL was provided
//	ErrFailedToConnectToMongo - all retry attempts are exhausted
//	ErrHealthcheckFailed      - health check ping failed
package mongo
