// Package mongo implements queue.Backend on MongoDB.
//
// Requests and batches are stored as documents. Dequeue claims the best due
// request with a sorted FindOneAndUpdate. Updates use optimistic concurrency:
// the replacement only matches while status and updated_at are unchanged, and
// the update is retried otherwise.
package mongo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dmitrymomot/zonequeue/core/queue"
	dbmongo "github.com/dmitrymomot/zonequeue/integration/database/mongo"
)

const (
	colRequests = "zonequeue_requests"
	colBatches  = "zonequeue_batches"
)

// maxUpdateAttempts bounds optimistic update retries.
const maxUpdateAttempts = 16

var _ queue.Backend = (*Store)(nil)

// Store is a MongoDB backed queue.Backend.
type Store struct {
	db         *mongo.Database
	ownsClient bool
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time
	closed     atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
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

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps a database handle. The caller owns the client; Close leaves it connected.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		db:        db,
		retention: queue.DefaultRetention,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects using cfg and uses the named database. Close disconnects.
func Open(ctx context.Context, cfg dbmongo.Config, database string, opts ...Option) (*Store, error) {
	db, err := dbmongo.NewWithDatabase(ctx, cfg, database)
	if err != nil {
		return nil, err
	}
	s := New(db, opts...)
	s.ownsClient = true
	return s, nil
}

// Database returns the underlying database handle.
func (s *Store) Database() *mongo.Database {
	return s.db
}

// Initialize creates the indexes used by dispatch, counting and maintenance.
func (s *Store) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}

	indexes := map[string][]mongo.IndexModel{
		colRequests: {
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "zone", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_ns", Value: 1},
			}},
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			}},
			{Keys: bson.D{{Key: "group_id", Value: 1}}},
		},
		colBatches: {
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_at", Value: 1},
			}},
		},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return wrap("create indexes on "+col, err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	return dbmongo.Healthcheck(s.db.Client())(ctx)
}

// Close marks the store closed and disconnects when Open created the client.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsClient {
		return s.db.Client().Disconnect(ctx)
	}
	return nil
}

func (s *Store) requests() *mongo.Collection {
	return s.db.Collection(colRequests)
}

func (s *Store) batches() *mongo.Collection {
	return s.db.Collection(colBatches)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: mongo %s: %w", queue.ErrBackend, op, err)
}
