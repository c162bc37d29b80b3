package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrymomot/zonequeue/core/queue"
	dbsqlite "github.com/dmitrymomot/zonequeue/integration/database/sqlite"
)

// StoreBatch inserts or replaces a batch.
func (s *Store) StoreBatch(ctx context.Context, batch *queue.Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("%w: batch id is required", queue.ErrValidation)
	}
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}
	return upsertBatch(ctx, s.db, batch)
}

// GetReadyBatches returns ready batches ordered by priority then age.
func (s *Store) GetReadyBatches(ctx context.Context, zone string) ([]*queue.Batch, error) {
	if s.closed.Load() {
		return nil, queue.ErrBackendClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM zonequeue_batches
		WHERE status = ? AND (? = '' OR zone = ?)
		ORDER BY priority DESC, created_at ASC`,
		string(queue.BatchReady), zone, zone,
	)
	if err != nil {
		return nil, wrap("ready batches", err)
	}
	defer rows.Close()

	var out []*queue.Batch
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("ready batches: scan", err)
		}
		var b queue.Batch
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, wrap("ready batches: decode", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("ready batches", err)
	}
	return out, nil
}

// UpdateBatch applies patch inside a transaction.
func (s *Store) UpdateBatch(ctx context.Context, id string, patch queue.BatchPatch) error {
	if s.closed.Load() {
		return queue.ErrBackendClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("update batch: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	if err := tx.QueryRowContext(ctx, `SELECT data FROM zonequeue_batches WHERE id = ?`, id).Scan(&data); err != nil {
		if dbsqlite.IsNotFoundError(err) {
			return fmt.Errorf("%w: %s", queue.ErrBatchNotFound, id)
		}
		return wrap("update batch: load", err)
	}
	var b queue.Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return wrap("update batch: decode", err)
	}

	patch.Apply(&b)
	if err := upsertBatch(ctx, tx, &b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("update batch: commit", err)
	}
	return nil
}

func upsertBatch(ctx context.Context, db execer, b *queue.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %w", queue.ErrValidation, err)
	}
	var dispatched any
	if b.DispatchedAt != nil {
		dispatched = b.DispatchedAt.UnixNano()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO zonequeue_batches (id, zone, status, priority, created_at, dispatched_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			zone = excluded.zone,
			status = excluded.status,
			priority = excluded.priority,
			created_at = excluded.created_at,
			dispatched_at = excluded.dispatched_at,
			data = excluded.data`,
		b.ID, b.Zone, string(b.Status), int(b.Priority), b.CreatedAt.UnixNano(), dispatched, string(data),
	)
	if err != nil {
		return wrap("store batch", err)
	}
	return nil
}
