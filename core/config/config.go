package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsing wraps failures reported by the env parser.
var ErrParsing = errors.New("config: failed to parse environment")

var (
	dotenvOnce sync.Once
	mu         sync.Mutex
	cache      = make(map[reflect.Type]any)
)

// Load populates cfg from the environment. The first call for a type parses
// and caches it; later calls return the cached value.
func Load[T any](cfg *T) error {
	dotenvOnce.Do(func() {
		// A missing .env file is normal outside local development.
		_ = godotenv.Load()
	})

	typ := reflect.TypeFor[T]()

	mu.Lock()
	defer mu.Unlock()

	if v, ok := cache[typ]; ok {
		*cfg = v.(T)
		return nil
	}

	var fresh T
	if err := env.Parse(&fresh); err != nil {
		return errors.Join(ErrParsing, err)
	}
	cache[typ] = fresh
	*cfg = fresh

	return nil
}

// MustLoad is Load that panics on failure. Intended for program startup.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// Parse populates cfg from the given variables only, bypassing the process
// environment and the cache. Useful for tests and embedded configuration.
func Parse[T any](cfg *T, vars map[string]string) error {
	var fresh T
	if err := env.ParseWithOptions(&fresh, env.Options{Environment: vars}); err != nil {
		return errors.Join(ErrParsing, err)
	}
	*cfg = fresh
	return nil
}

// Reset drops every cached configuration.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	clear(cache)
}
