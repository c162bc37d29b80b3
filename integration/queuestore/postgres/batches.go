package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/integration/database/pg"
)

// StoreBatch inserts or replaces a batch.
func (s *Store) StoreBatch(ctx context.Context, batch *queue.Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("%w: batch id is required", queue.ErrValidation)
	}
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	return upsertBatch(ctx, s.conn(ctx), batch)
}

// GetReadyBatches returns ready batches ordered by priority then age.
func (s *Store) GetReadyBatches(ctx context.Context, zone string) ([]*queue.Batch, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT data FROM zonequeue_batches
		WHERE status = $1 AND ($2 = '' OR zone = $2)
		ORDER BY priority DESC, created_at ASC`,
		string(queue.BatchReady), zone,
	)
	if err != nil {
		return nil, wrap("ready batches", err)
	}
	defer rows.Close()

	var out []*queue.Batch
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("ready batches: scan", err)
		}
		var b queue.Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, wrap("ready batches: decode", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("ready batches", err)
	}
	return out, nil
}

// UpdateBatch locks the batch row, applies patch and writes it back.
func (s *Store) UpdateBatch(ctx context.Context, id string, patch queue.BatchPatch) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return wrap("update batch: begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM zonequeue_batches WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return fmt.Errorf("%w: %s", queue.ErrBatchNotFound, id)
		}
		return wrap("update batch: load", err)
	}
	var b queue.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return wrap("update batch: decode", err)
	}

	patch.Apply(&b)
	if err := upsertBatch(ctx, tx, &b); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("update batch: commit", err)
	}
	return nil
}

func upsertBatch(ctx context.Context, q pg.Querier, b *queue.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %w", queue.ErrValidation, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO zonequeue_batches (id, zone, status, priority, created_at, dispatched_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			zone = EXCLUDED.zone,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			created_at = EXCLUDED.created_at,
			dispatched_at = EXCLUDED.dispatched_at,
			data = EXCLUDED.data`,
		b.ID, b.Zone, string(b.Status), int(b.Priority), b.CreatedAt, b.DispatchedAt, data,
	)
	if err != nil {
		return wrap("store batch", err)
	}
	return nil
}
