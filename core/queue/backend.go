package queue

import (
	"context"
	"time"
)

// Backend is the storage contract shared by every queue store.
// Implementations must be safe for concurrent use. Dequeue selects the
// highest priority due request (oldest first within a priority) and marks it
// processing atomically, so two callers never receive the same request.
type Backend interface {
	// Initialize prepares the store (schema, indexes, scripts). Idempotent.
	Initialize(ctx context.Context) error

	// Enqueue persists a new request. Returns ErrAlreadyExists on duplicate IDs.
	Enqueue(ctx context.Context, req *Request) error

	// Dequeue claims the next due pending request. An empty zone means any zone.
	// Returns ErrNoRequest when nothing is available.
	Dequeue(ctx context.Context, zone string) (*Request, error)

	// Peek returns the request Dequeue would claim without claiming it.
	Peek(ctx context.Context, zone string) (*Request, error)

	// UpdateRequest applies a patch and returns the updated request.
	UpdateRequest(ctx context.Context, id string, patch Patch) (*Request, error)

	// Remove deletes a request. Reports whether it existed.
	Remove(ctx context.Context, id string) (bool, error)

	GetRequest(ctx context.Context, id string) (*Request, error)
	GetRequests(ctx context.Context, filter Filter) ([]*Request, error)

	// Size counts non-terminal requests. An empty zone means all zones.
	Size(ctx context.Context, zone string) (int, error)

	// Clear removes all requests (of one zone when zone is set) and returns their count.
	Clear(ctx context.Context, zone string) (int, error)

	StoreBatch(ctx context.Context, batch *Batch) error
	GetReadyBatches(ctx context.Context, zone string) ([]*Batch, error)
	UpdateBatch(ctx context.Context, id string, patch BatchPatch) error

	GetMetrics(ctx context.Context) (BackendMetrics, error)

	// Maintenance purges terminal requests and dispatched batches past retention.
	Maintenance(ctx context.Context) (MaintenanceResult, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// BackendMetrics is a point-in-time view of stored requests.
type BackendMetrics struct {
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	ByZone        map[string]int `json:"by_zone"`
	ByBand        map[Band]int   `json:"by_band"`
	Batches       int            `json:"batches"`
	OldestPending time.Time      `json:"oldest_pending"`
}

// NewBackendMetrics returns metrics with initialized maps.
func NewBackendMetrics() BackendMetrics {
	return BackendMetrics{
		ByStatus: make(map[Status]int),
		ByZone:   make(map[string]int),
		ByBand:   make(map[Band]int),
	}
}

// Observe accounts a single request in the metrics.
func (m *BackendMetrics) Observe(r *Request) {
	m.Total++
	m.ByStatus[r.Status]++
	if r.Status.Terminal() {
		return
	}
	m.ByZone[r.Zone]++
	m.ByBand[r.Priority.Band()]++
	if r.Status == StatusPending && (m.OldestPending.IsZero() || r.CreatedAt.Before(m.OldestPending)) {
		m.OldestPending = r.CreatedAt
	}
}

// MaintenanceResult reports what a maintenance pass removed.
type MaintenanceResult struct {
	RemovedRequests int `json:"removed_requests"`
	RemovedBatches  int `json:"removed_batches"`
}

// DefaultRetention is how long terminal records are kept before maintenance purges them.
const DefaultRetention = time.Hour
