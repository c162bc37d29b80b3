package manager

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Health thresholds.
const (
	degradedUtilization = 0.8
	criticalUtilization = 0.95
	degradedErrorRate   = 0.1
	criticalErrorRate   = 0.25
)

// GetMetrics returns a point-in-time view of the queue combining backend
// counts with the manager's processing statistics.
func (m *Manager) GetMetrics(ctx context.Context) (queue.Metrics, error) {
	bm, err := m.backend.GetMetrics(ctx)
	if err != nil {
		return queue.Metrics{}, fmt.Errorf("backend metrics: %w", err)
	}

	now := m.now()
	snap := m.stats.snapshot(now)
	bs := m.batcher.Stats()

	pending := bm.ByStatus[queue.StatusPending] + bm.ByStatus[queue.StatusRetrying]
	live := pending + bm.ByStatus[queue.StatusProcessing]

	out := queue.Metrics{
		Total:             bm.Total,
		ByStatus:          bm.ByStatus,
		ByBand:            bm.ByBand,
		ByZone:            bm.ByZone,
		Pending:           pending,
		InFlight:          int(m.inFlight.Load()),
		ErrorRate:         snap.errorRate,
		Utilization:       float64(live) / float64(m.cfg.MaxQueueSize),
		Throughput:        snap.throughput,
		AvgWaitTime:       snap.avgWait,
		AvgProcessingTime: snap.avgProcessing,
		Batches: queue.BatchMetrics{
			Created:    bs.Created,
			Dispatched: bs.Dispatched,
			Open:       bs.Open,
			AvgSize:    bs.AvgSize,
		},
		DedupHits:   m.dedupHits.Load(),
		Evictions:   m.evictions.Load(),
		CollectedAt: now,
	}
	if !bm.OldestPending.IsZero() {
		oldest := bm.OldestPending
		out.OldestPending = &oldest
	}
	return out, nil
}

// GetHealth classifies the queue as healthy, degraded, critical or offline
// and lists the issues behind the classification.
func (m *Manager) GetHealth(ctx context.Context) (queue.Health, error) {
	now := m.now()
	h := queue.Health{
		Status:          queue.HealthHealthy,
		ProcessingAlive: m.running.Load(),
		Paused:          m.paused.Load(),
		OpenCircuits:    m.breakers.OpenZones(),
		CheckedAt:       now,
	}
	slices.Sort(h.OpenCircuits)

	if m.closing.Load() {
		h.Status = queue.HealthOffline
		h.Issues = append(h.Issues, "queue is shutting down")
		return h, nil
	}

	if err := m.backend.Ping(ctx); err != nil {
		h.Status = queue.HealthOffline
		h.Issues = append(h.Issues, fmt.Sprintf("backend unreachable: %v", err))
		return h, nil
	}
	h.BackendReachable = true

	snap := m.stats.snapshot(now)
	if !snap.lastProcessed.IsZero() {
		last := snap.lastProcessed
		h.LastProcessedAt = &last
	}

	escalate := func(s queue.HealthStatus, issue string) {
		h.Issues = append(h.Issues, issue)
		if rank(s) > rank(h.Status) {
			h.Status = s
		}
	}

	if h.Paused {
		escalate(queue.HealthDegraded, "processing is paused")
	}
	if n := len(h.OpenCircuits); n > 0 {
		escalate(queue.HealthDegraded, fmt.Sprintf("%d zone circuits open", n))
	}

	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		escalate(queue.HealthDegraded, fmt.Sprintf("metrics unavailable: %v", err))
		return h, nil
	}
	if !h.ProcessingAlive && metrics.Pending > 0 {
		escalate(queue.HealthDegraded, fmt.Sprintf("processing loop is not running with %d pending requests", metrics.Pending))
	}
	switch {
	case metrics.Utilization >= criticalUtilization:
		escalate(queue.HealthCritical, fmt.Sprintf("queue utilization %.0f%%", metrics.Utilization*100))
	case metrics.Utilization >= degradedUtilization:
		escalate(queue.HealthDegraded, fmt.Sprintf("queue utilization %.0f%%", metrics.Utilization*100))
	}
	switch {
	case metrics.ErrorRate >= criticalErrorRate:
		escalate(queue.HealthCritical, fmt.Sprintf("error rate %.0f%%", metrics.ErrorRate*100))
	case metrics.ErrorRate >= degradedErrorRate:
		escalate(queue.HealthDegraded, fmt.Sprintf("error rate %.0f%%", metrics.ErrorRate*100))
	}
	return h, nil
}

func rank(s queue.HealthStatus) int {
	switch s {
	case queue.HealthDegraded:
		return 1
	case queue.HealthCritical:
		return 2
	case queue.HealthOffline:
		return 3
	}
	return 0
}
