package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// StoreBatch inserts or replaces a batch.
func (s *Store) StoreBatch(ctx context.Context, batch *queue.Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("%w: batch id is required", queue.ErrValidation)
	}
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	_, err := s.batches().ReplaceOne(ctx, bson.M{"_id": batch.ID}, batch, options.Replace().SetUpsert(true))
	if err != nil {
		return wrap("store batch", err)
	}
	return nil
}

// GetReadyBatches returns ready batches ordered by priority then age.
func (s *Store) GetReadyBatches(ctx context.Context, zone string) ([]*queue.Batch, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	q := bson.M{"status": queue.BatchReady}
	if zone != "" {
		q["zone"] = zone
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "priority", Value: -1},
		{Key: "created_at", Value: 1},
	})

	cur, err := s.batches().Find(ctx, q, opts)
	if err != nil {
		return nil, wrap("ready batches", err)
	}
	var out []*queue.Batch
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrap("ready batches: decode", err)
	}
	return out, nil
}

// UpdateBatch applies patch to a stored batch.
func (s *Store) UpdateBatch(ctx context.Context, id string, patch queue.BatchPatch) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}

	var b queue.Batch
	if err := s.batches().FindOne(ctx, bson.M{"_id": id}).Decode(&b); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %s", queue.ErrBatchNotFound, id)
		}
		return wrap("update batch: load", err)
	}

	patch.Apply(&b)
	if _, err := s.batches().ReplaceOne(ctx, bson.M{"_id": id}, &b); err != nil {
		return wrap("update batch", err)
	}
	return nil
}
