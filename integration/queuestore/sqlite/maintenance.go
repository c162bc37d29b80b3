package sqlite

import (
	"context"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// GetMetrics aggregates stored requests.
func (s *Store) GetMetrics(ctx context.Context) (queue.BackendMetrics, error) {
	m := queue.NewBackendMetrics()
	if s.closed.Load() {
		return m, queue.ErrBackendClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, zone, priority, created_at FROM zonequeue_requests`)
	if err != nil {
		return m, wrap("metrics", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       queue.Request
			status  string
			created int64
		)
		if err := rows.Scan(&status, &r.Zone, &r.Priority, &created); err != nil {
			return m, wrap("metrics: scan", err)
		}
		r.Status = queue.Status(status)
		r.CreatedAt = time.Unix(0, created).UTC()
		m.Observe(&r)
	}
	if err := rows.Err(); err != nil {
		return m, wrap("metrics", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zonequeue_batches`).Scan(&m.Batches); err != nil {
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
	cutoff := s.now().Add(-s.retention).UnixNano()

	clause, args := in("status", terminalStatuses())
	out, err := s.db.ExecContext(ctx,
		`DELETE FROM zonequeue_requests WHERE `+clause+` AND updated_at < ?`,
		append(args, cutoff)...)
	if err != nil {
		return res, wrap("maintenance: requests", err)
	}
	n, _ := out.RowsAffected()
	res.RemovedRequests = int(n)

	out, err = s.db.ExecContext(ctx,
		`DELETE FROM zonequeue_batches WHERE status = ? AND dispatched_at < ?`,
		string(queue.BatchDispatched), cutoff)
	if err != nil {
		return res, wrap("maintenance: batches", err)
	}
	n, _ = out.RowsAffected()
	res.RemovedBatches = int(n)

	if res.RemovedRequests > 0 || res.RemovedBatches > 0 {
		s.logger.DebugContext(ctx, "sqlite store maintenance",
			"removed_requests", res.RemovedRequests,
			"removed_batches", res.RemovedBatches)
	}
	return res, nil
}
