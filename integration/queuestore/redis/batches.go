package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

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
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %w", queue.ErrValidation, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.batch(batch.ID), data, 0)
		pipe.SAdd(ctx, s.keys.batches(), batch.ID)
		return nil
	})
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
	all, err := s.loadBatches(ctx)
	if err != nil {
		return nil, err
	}

	var out []*queue.Batch
	for _, b := range all {
		if b.Status != queue.BatchReady || (zone != "" && b.Zone != zone) {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *queue.Batch) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// UpdateBatch applies patch in an optimistic transaction.
func (s *Store) UpdateBatch(ctx context.Context, id string, patch queue.BatchPatch) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}

	key := s.keys.batch(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", queue.ErrBatchNotFound, id)
		}
		if err != nil {
			return wrap("update batch: load", err)
		}
		var b queue.Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			return wrap("update batch: decode", err)
		}

		patch.Apply(&b)
		data, err := json.Marshal(&b)
		if err != nil {
			return fmt.Errorf("%w: encode batch: %w", queue.ErrValidation, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *Store) loadBatches(ctx context.Context) ([]*queue.Batch, error) {
	ids, err := s.members(ctx, s.keys.batches())
	if err != nil {
		return nil, wrap("load batches: ids", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	batchKeys := make([]string, len(ids))
	for i, id := range ids {
		batchKeys[i] = s.keys.batch(id)
	}
	values, err := s.client.MGet(ctx, batchKeys...).Result()
	if err != nil {
		return nil, wrap("load batches", err)
	}

	out := make([]*queue.Batch, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var b queue.Batch
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, wrap("load batches: decode", err)
		}
		out = append(out, &b)
	}
	return out, nil
}
