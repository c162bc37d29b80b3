package pg

import "errors"

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open database connection")
	ErrEmptyConnectionString    = errors.New("empty connection string")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
	ErrFailedToParseDBConfig    = errors.New("failed to parse database config")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrMigrationsDirNotFound    = errors.New("migrations directory not found")
	ErrMigrationPathNotProvided = errors.New("migrations path not provided")
)
