package postgres

import (
	"context"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// GetMetrics aggregates stored requests.
func (s *Store) GetMetrics(ctx context.Context) (queue.BackendMetrics, error) {
	m := queue.NewBackendMetrics()
	if s.closed.Load() {
		return m, queue.ErrBackendClosed
	}

	rows, err := s.conn(ctx).Query(ctx, `SELECT status, zone, priority, created_at FROM zonequeue_requests`)
	if err != nil {
		return m, wrap("metrics", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        queue.Request
			status   string
			priority int
		)
		if err := rows.Scan(&status, &r.Zone, &priority, &r.CreatedAt); err != nil {
			return m, wrap("metrics: scan", err)
		}
		r.Status = queue.Status(status)
		r.Priority = queue.Priority(priority)
		m.Observe(&r)
	}
	if err := rows.Err(); err != nil {
		return m, wrap("metrics", err)
	}

	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM zonequeue_batches`).Scan(&m.Batches); err != nil {
		return m, wrap("metrics: batches", err)
	}
	return m, nil
}

// Maintenance purges terminal requests and dispatched batches past retention.
func (s *Store) Maintenance(ctx context.Context) (queue.MaintenanceResult, error) {
	var res queue.MaintenanceResult
	if s.closed.Load() {
		return res, queue.ErrBackendClosed
	}
	cutoff := s.now().Add(-s.retention)

	tag, err := s.conn(ctx).Exec(ctx,
		`DELETE FROM zonequeue_requests WHERE status = ANY($1) AND updated_at < $2`,
		strs(terminalStatuses()), cutoff)
	if err != nil {
		return res, wrap("maintenance: requests", err)
	}
	res.RemovedRequests = int(tag.RowsAffected())

	tag, err = s.conn(ctx).Exec(ctx,
		`DELETE FROM zonequeue_batches WHERE status = $1 AND dispatched_at < $2`,
		string(queue.BatchDispatched), cutoff)
	if err != nil {
		return res, wrap("maintenance: batches", err)
	}
	res.RemovedBatches = int(tag.RowsAffected())

	if res.RemovedRequests > 0 || res.RemovedBatches > 0 {
		s.logger.DebugContext(ctx, "postgres store maintenance",
			"removed_requests", res.RemovedRequests,
			"removed_batches", res.RemovedBatches)
	}
	return res, nil
}
