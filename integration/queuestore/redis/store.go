// Package redis implements queue.Backend on Redis.
//
// Requests are hashes holding the JSON encoded request next to the fields the
// claim script needs. Each zone has a sorted set of due pending ids scored so
// that the lowest score is the next request to dispatch; scheduled requests
// wait in a shared delayed set until they are due. Dequeue runs a Lua script
// that promotes due requests and claims the best head atomically. Other writes
// use optimistic WATCH transactions.
//
// Keys are not declared to the scripts, so the store targets standalone or
// sentinel deployments rather than Redis Cluster.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/zonequeue/core/queue"
	dbredis "github.com/dmitrymomot/zonequeue/integration/database/redis"
)

var _ queue.Backend = (*Store)(nil)

// maxTxAttempts bounds optimistic transaction retries.
const maxTxAttempts = 16

// Store is a Redis backed queue.Backend.
type Store struct {
	client     redis.UniversalClient
	keys       keys
	ownsClient bool
	scanBatch  int64
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time
	closed     atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces the keys of this store.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keys.prefix = prefix
		}
	}
}

// WithScanBatchSize sets the COUNT hint used when iterating sets.
func WithScanBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanBatch = int64(n)
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

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
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

// New wraps an existing client. The caller owns the client; Close leaves it open.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keys:      keys{prefix: DefaultPrefix},
		scanBatch: 1000,
		retention: queue.DefaultRetention,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects using cfg. Close closes the client.
func Open(ctx context.Context, cfg dbredis.Config, opts ...Option) (*Store, error) {
	client, err := dbredis.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithScanBatchSize(cfg.ScanBatchSize)}, opts...)
	s := New(client, opts...)
	s.ownsClient = true
	return s, nil
}

// Client returns the underlying client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Initialize loads the claim script into the server cache.
func (s *Store) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	if err := claimScript.Load(ctx, s.client).Err(); err != nil {
		return wrap("load script", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	return dbredis.Healthcheck(s.client)(ctx)
}

// Close marks the store closed and closes the client when Open created it.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changes before EXEC.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxAttempts {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return wrap("transaction", redis.TxFailedErr)
}

// members iterates a set with SSCAN and returns its distinct members.
func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	iter := s.client.SScan(ctx, key, 0, "", s.scanBatch).Iterator()
	for iter.Next(ctx) {
		m := iter.Val()
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", queue.ErrBackend, op, err)
}
