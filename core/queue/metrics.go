package queue

import "time"

// BatchMetrics summarises batching activity.
type BatchMetrics struct {
	Created    int64   `json:"created"`
	Dispatched int64   `json:"dispatched"`
	Open       int     `json:"open"`
	AvgSize    float64 `json:"avg_size"`
}

// Metrics is a point-in-time view of the queue computed on demand.
type Metrics struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"by_status"`
	ByBand            map[Band]int   `json:"by_band"`
	ByZone            map[string]int `json:"by_zone"`
	Pending           int            `json:"pending"`
	InFlight          int            `json:"in_flight"`
	ErrorRate         float64        `json:"error_rate"`
	Utilization       float64        `json:"utilization"`
	Throughput        float64        `json:"throughput"`
	AvgWaitTime       time.Duration  `json:"avg_wait_time"`
	AvgProcessingTime time.Duration  `json:"avg_processing_time"`
	Batches           BatchMetrics   `json:"batches"`
	DedupHits         int64          `json:"dedup_hits"`
	Evictions         int64          `json:"evictions"`
	OldestPending     *time.Time     `json:"oldest_pending,omitempty"`
	CollectedAt       time.Time      `json:"collected_at"`
}

// HealthStatus is the coarse health classification of a queue.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

// Health describes whether the queue is able to make progress.
type Health struct {
	Status           HealthStatus `json:"status"`
	Issues           []string     `json:"issues,omitempty"`
	BackendReachable bool         `json:"backend_reachable"`
	ProcessingAlive  bool         `json:"processing_alive"`
	Paused           bool         `json:"paused"`
	OpenCircuits     []string     `json:"open_circuits,omitempty"`
	LastProcessedAt  *time.Time   `json:"last_processed_at,omitempty"`
	CheckedAt        time.Time    `json:"checked_at"`
}
