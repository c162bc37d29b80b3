package queue

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps requests in process memory. Pending requests are indexed
// per zone and per priority in FIFO order so Dequeue only inspects band heads.
type MemoryBackend struct {
	mu       sync.RWMutex
	requests map[string]*Request
	batches  map[string]*Batch

	// Indexes for efficient dispatch
	pending map[string]map[Priority][]string
	active  map[string]int

	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	closed    bool
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryRetention sets how long terminal requests are kept before Maintenance purges them.
func WithMemoryRetention(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMemoryLogger sets the logger for internal operations.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *MemoryBackend) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMemoryClock overrides the time source. Intended for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		requests:  make(map[string]*Request),
		batches:   make(map[string]*Batch),
		pending:   make(map[string]map[Priority][]string),
		active:    make(map[string]int),
		retention: DefaultRetention,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize is a no-op for the memory backend.
func (m *MemoryBackend) Initialize(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrBackendClosed
	}
	return nil
}

// Enqueue stores a copy of req.
func (m *MemoryBackend) Enqueue(ctx context.Context, req *Request) error {
	if req == nil {
		return ErrInvalidRequest
	}
	if req.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrBackendClosed
	}
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, req.ID)
	}

	r := req.Clone()
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now()
	}
	m.requests[r.ID] = r
	m.index(r)

	return nil
}

// Dequeue claims the best due pending request.
func (m *MemoryBackend) Dequeue(ctx context.Context, zone string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrBackendClosed
	}

	now := m.now()
	r := m.next(zone, now)
	if r == nil {
		return nil, ErrNoRequest
	}

	m.removePending(r)
	r.Status = StatusProcessing
	r.UpdatedAt = now

	return r.Clone(), nil
}

// Peek returns a copy of the request Dequeue would claim.
func (m *MemoryBackend) Peek(ctx context.Context, zone string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrBackendClosed
	}
	r := m.next(zone, m.now())
	if r == nil {
		return nil, ErrNoRequest
	}
	return r.Clone(), nil
}

// UpdateRequest applies patch to the stored request and reindexes it.
func (m *MemoryBackend) UpdateRequest(ctx context.Context, id string, patch Patch) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrBackendClosed
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !patch.Allows(r.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, r.Status)
	}

	m.unindex(r)
	patch.Apply(r, m.now())
	m.index(r)

	return r.Clone(), nil
}

// Remove deletes a request.
func (m *MemoryBackend) Remove(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrBackendClosed
	}
	r, ok := m.requests[id]
	if !ok {
		return false, nil
	}
	m.unindex(r)
	delete(m.requests, id)
	return true, nil
}

// GetRequest returns a copy of the request with the given id.
func (m *MemoryBackend) GetRequest(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrBackendClosed
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// GetRequests returns copies of requests matching filter.
func (m *MemoryBackend) GetRequests(ctx context.Context, filter Filter) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrBackendClosed
	}

	all := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		all = append(all, r)
	}
	matched := filter.Apply(all)

	out := make([]*Request, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

// Size counts non-terminal requests.
func (m *MemoryBackend) Size(ctx context.Context, zone string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrBackendClosed
	}
	if zone != "" {
		return m.active[zone], nil
	}
	total := 0
	for _, n := range m.active {
		total += n
	}
	return total, nil
}

// Clear removes every request and batch, or only those of zone.
func (m *MemoryBackend) Clear(ctx context.Context, zone string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrBackendClosed
	}

	removed := 0
	for id, r := range m.requests {
		if zone != "" && r.Zone != zone {
			continue
		}
		m.unindex(r)
		delete(m.requests, id)
		removed++
	}
	for id, b := range m.batches {
		if zone == "" || b.Zone == zone {
			delete(m.batches, id)
		}
	}

	m.logger.DebugContext(ctx, "memory backend cleared",
		slog.String("zone", zone),
		slog.Int("removed", removed))

	return removed, nil
}

// StoreBatch inserts or replaces a batch.
func (m *MemoryBackend) StoreBatch(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("%w: batch id is required", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrBackendClosed
	}
	m.batches[batch.ID] = batch.Clone()
	return nil
}

// GetReadyBatches returns ready batches ordered by priority then age.
func (m *MemoryBackend) GetReadyBatches(ctx context.Context, zone string) ([]*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrBackendClosed
	}

	var out []*Batch
	for _, b := range m.batches {
		if b.Status != BatchReady || (zone != "" && b.Zone != zone) {
			continue
		}
		out = append(out, b.Clone())
	}
	slices.SortFunc(out, func(a, b *Batch) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// UpdateBatch applies patch to a stored batch.
func (m *MemoryBackend) UpdateBatch(ctx context.Context, id string, patch BatchPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrBackendClosed
	}
	b, ok := m.batches[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	patch.Apply(b)
	return nil
}

// GetMetrics aggregates stored requests.
func (m *MemoryBackend) GetMetrics(ctx context.Context) (BackendMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := NewBackendMetrics()
	if m.closed {
		return metrics, ErrBackendClosed
	}
	for _, r := range m.requests {
		metrics.Observe(r)
	}
	metrics.Batches = len(m.batches)
	return metrics, nil
}

// Maintenance purges terminal requests and dispatched batches older than the retention window.
func (m *MemoryBackend) Maintenance(ctx context.Context) (MaintenanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res MaintenanceResult
	if m.closed {
		return res, ErrBackendClosed
	}

	cutoff := m.now().Add(-m.retention)
	for id, r := range m.requests {
		if r.Status.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(m.requests, id)
			res.RemovedRequests++
		}
	}
	for id, b := range m.batches {
		if b.Status == BatchDispatched && b.DispatchedAt != nil && b.DispatchedAt.Before(cutoff) {
			delete(m.batches, id)
			res.RemovedBatches++
		}
	}

	if res.RemovedRequests > 0 || res.RemovedBatches > 0 {
		m.logger.DebugContext(ctx, "memory backend maintenance",
			slog.Int("removed_requests", res.RemovedRequests),
			slog.Int("removed_batches", res.RemovedBatches))
	}

	return res, nil
}

// Ping reports whether the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrBackendClosed
	}
	return nil
}

// Close releases stored data. Subsequent calls return ErrBackendClosed.
func (m *MemoryBackend) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	clear(m.requests)
	clear(m.batches)
	clear(m.pending)
	clear(m.active)
	return nil
}

// next finds the best due pending request. Each band list is ordered by
// creation time, so the first due entry is the oldest due one in that band.
func (m *MemoryBackend) next(zone string, now time.Time) *Request {
	var best *Request
	for z, bands := range m.pending {
		if zone != "" && z != zone {
			continue
		}
		for p, ids := range bands {
			if best != nil && p < best.Priority {
				continue
			}
			for _, id := range ids {
				r := m.requests[id]
				if !r.Due(now) {
					continue
				}
				if best == nil || Before(r, best) {
					best = r
				}
				break
			}
		}
	}
	return best
}

func (m *MemoryBackend) index(r *Request) {
	if !r.Status.Terminal() {
		m.active[r.Zone]++
	}
	if r.Status == StatusPending {
		m.insertPending(r)
	}
}

func (m *MemoryBackend) unindex(r *Request) {
	if !r.Status.Terminal() {
		m.active[r.Zone]--
		if m.active[r.Zone] <= 0 {
			delete(m.active, r.Zone)
		}
	}
	if r.Status == StatusPending {
		m.removePending(r)
	}
}

func (m *MemoryBackend) insertPending(r *Request) {
	bands, ok := m.pending[r.Zone]
	if !ok {
		bands = make(map[Priority][]string)
		m.pending[r.Zone] = bands
	}

	ids := bands[r.Priority]
	pos := slices.IndexFunc(ids, func(id string) bool {
		return m.requests[id].CreatedAt.After(r.CreatedAt)
	})
	if pos < 0 {
		bands[r.Priority] = append(ids, r.ID)
		return
	}
	bands[r.Priority] = slices.Insert(ids, pos, r.ID)
}

func (m *MemoryBackend) removePending(r *Request) {
	bands, ok := m.pending[r.Zone]
	if !ok {
		return
	}
	bands[r.Priority] = slices.DeleteFunc(bands[r.Priority], func(id string) bool {
		return id == r.ID
	})
	if len(bands[r.Priority]) == 0 {
		delete(bands, r.Priority)
	}
	if len(bands) == 0 {
		delete(m.pending, r.Zone)
	}
}
