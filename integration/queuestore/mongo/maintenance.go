package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// GetMetrics aggregates stored requests.
func (s *Store) GetMetrics(ctx context.Context) (queue.BackendMetrics, error) {
	m := queue.NewBackendMetrics()
	if s.closed.Load() {
		return m, queue.ErrBackendClosed
	}

	opts := options.Find().SetProjection(bson.M{
		"status": 1, "zone": 1, "priority": 1, "created_at": 1, "created_ns": 1,
	})
	cur, err := s.requests().Find(ctx, bson.M{}, opts)
	if err != nil {
		return m, wrap("metrics", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return m, wrap("metrics: decode", err)
		}
		m.Observe(d.request())
	}
	if err := cur.Err(); err != nil {
		return m, wrap("metrics", err)
	}

	n, err := s.batches().CountDocuments(ctx, bson.M{})
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

	out, err := s.requests().DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": terminalStatuses()},
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return res, wrap("maintenance: requests", err)
	}
	res.RemovedRequests = int(out.DeletedCount)

	out, err = s.batches().DeleteMany(ctx, bson.M{
		"status":        queue.BatchDispatched,
		"dispatched_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return res, wrap("maintenance: batches", err)
	}
	res.RemovedBatches = int(out.DeletedCount)

	if res.RemovedRequests > 0 || res.RemovedBatches > 0 {
		s.logger.DebugContext(ctx, "mongo store maintenance",
			"removed_requests", res.RemovedRequests,
			"removed_batches", res.RemovedBatches)
	}
	return res, nil
}
