// Package config loads typed configuration from environment variables.
//
// A .env file in the working directory is read once on first use. Each
// configuration type is parsed with caarlos0/env and cached, so later Load
// calls for the same type are free and return the same values.
//
//	var cfg manager.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
//	// At startup, where a bad environment should stop the process:
//	var store queuestore.Config
//	config.MustLoad(&store)
//
// Parse reads from an explicit map and skips both the process environment
// and the cache, which keeps tests independent of each other:
//
//	var cfg manager.Config
//	err := config.Parse(&cfg, map[string]string{
//		"ZONEQUEUE_MAX_CONCURRENCY": "20",
//		"ZONEQUEUE_BACKEND":         "redis",
//	})
//
// Reset drops the cache. It exists for tests that mutate the environment.
package config
