package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// GetMetrics aggregates stored requests.
func (s *Store) GetMetrics(ctx context.Context) (queue.BackendMetrics, error) {
	m := queue.NewBackendMetrics()
	if s.closed.Load() {
		return m, queue.ErrBackendClosed
	}

	all, err := s.loadAll(ctx)
	if err != nil {
		return m, err
	}
	for _, r := range all {
		m.Observe(r)
	}

	n, err := s.client.SCard(ctx, s.keys.batches()).Result()
	if err != nil {
		return m, wrap("metrics: batches", err)
	}
	m.Batches = int(n)
	return m, nil
}

// Maintenance purges terminal requests and dispatched batches past retention.
func (s *Store) Maintenance(ctx context.Context) (queue.MaintenanceResult, error) {
	var res queue.MaintenanceResult
	if s.closed.Load() {
		return res, queue.ErrBackendClosed
	}
	cutoff := s.now().Add(-s.retention)

	all, err := s.loadAll(ctx)
	if err != nil {
		return res, err
	}
	batches, err := s.loadBatches(ctx)
	if err != nil {
		return res, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range all {
			if r.Status.Terminal() && r.UpdatedAt.Before(cutoff) {
				s.unlink(ctx, pipe, r.ID, r.Zone)
				res.RemovedRequests++
			}
		}
		for _, b := range batches {
			if b.Status == queue.BatchDispatched && b.DispatchedAt != nil && b.DispatchedAt.Before(cutoff) {
				pipe.Del(ctx, s.keys.batch(b.ID))
				pipe.SRem(ctx, s.keys.batches(), b.ID)
				res.RemovedBatches++
			}
		}
		return nil
	})
	if err != nil {
		return queue.MaintenanceResult{}, wrap("maintenance", err)
	}

	if res.RemovedRequests > 0 || res.RemovedBatches > 0 {
		s.logger.DebugContext(ctx, "redis store maintenance",
			"removed_requests", res.RemovedRequests,
			"removed_batches", res.RemovedBatches)
	}
	return res, nil
}
