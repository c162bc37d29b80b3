package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/zonequeue/core/event"
	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/pkg/async"
	"github.com/dmitrymomot/zonequeue/pkg/fingerprint"
)

// EnqueueOption customizes a single request.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	id          string
	payload     json.RawMessage
	payloadErr  error
	headers     map[string]string
	priority    *queue.Priority
	timeout     *time.Duration
	maxRetries  *int
	retryable   *bool
	batchable   bool
	metadata    map[string]any
	scheduledAt *time.Time
	delay       time.Duration
	groupID     string
}

// WithData marshals v to JSON and uses it as the payload.
func WithData(v any) EnqueueOption {
	return func(o *enqueueOptions) {
		data, err := json.Marshal(v)
		if err != nil {
			o.payloadErr = err
			return
		}
		o.payload = data
	}
}

// WithPayload sets a raw JSON payload.
func WithPayload(raw json.RawMessage) EnqueueOption {
	return func(o *enqueueOptions) {
		o.payload = raw
	}
}

// WithRequestID sets the request ID instead of generating one.
func WithRequestID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.id = id
	}
}

// WithHeaders attaches headers. They are passed to the processor but are not
// part of the fingerprint.
func WithHeaders(h map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.headers = maps.Clone(h)
	}
}

// WithPriority sets the request priority (0-100).
func WithPriority(p queue.Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = &p
	}
}

// WithTimeout sets the overall deadline measured from enqueue. Zero disables it.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.timeout = &d
	}
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxRetries = &n
	}
}

// WithRetryable controls whether failures are retried at all.
func WithRetryable(retryable bool) EnqueueOption {
	return func(o *enqueueOptions) {
		o.retryable = &retryable
	}
}

// WithBatchable allows the request to be grouped with compatible requests.
// It has no effect unless batching is enabled.
func WithBatchable() EnqueueOption {
	return func(o *enqueueOptions) {
		o.batchable = true
	}
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]any) EnqueueOption {
	return func(o *enqueueOptions) {
		o.metadata = maps.Clone(md)
	}
}

// WithScheduledAt defers dispatch until at.
func WithScheduledAt(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledAt = &at
	}
}

// WithDelay defers dispatch by d from enqueue.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithGroupID tags the request with a caller-defined group.
func WithGroupID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.groupID = id
	}
}

// Enqueue validates and persists a request and returns a future that settles
// when the request reaches a terminal state. A request identical to one that
// is still in flight returns the existing future instead of creating a new
// record. With batching on, a batchable request identical to a member of its
// open batch joins that member the same way, even when deduplication is off.
func (m *Manager) Enqueue(ctx context.Context, endpoint, verb, zone string, opts ...EnqueueOption) (*async.Future[*queue.Result], error) {
	if m.closing.Load() {
		return nil, queue.ErrShutdown
	}

	o := &enqueueOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if err := m.validate(endpoint, verb, zone, o); err != nil {
		return nil, err
	}

	verb = strings.ToUpper(strings.TrimSpace(verb))
	var payload json.RawMessage
	if len(o.payload) > 0 {
		payload = fingerprint.Canonical(o.payload)
	}
	fp := fingerprint.Request(verb, zone, endpoint, payload)

	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	now := m.now()
	if m.cfg.EnableDeduplication {
		if h, id := m.lookupDedup(fp); h != nil {
			m.dedupHits.Add(1)
			m.logger.DebugContext(ctx, "duplicate request joined existing one",
				logger.RequestID(id),
				logger.Fingerprint(fp),
			)
			m.bus.Emit(ctx, event.RequestDeduplicated, event.RequestPayload{
				RequestID: id,
				Zone:      zone,
				Endpoint:  endpoint,
				Verb:      verb,
			})
			return h, nil
		}
	}

	req := m.buildRequest(endpoint, verb, zone, fp, payload, o, now)
	if req.Batchable && m.cfg.EnableBatching {
		if h, id := m.lookupBatchMember(req); h != nil {
			m.dedupHits.Add(1)
			m.logger.DebugContext(ctx, "duplicate request joined open batch",
				logger.RequestID(id),
				logger.Fingerprint(fp),
			)
			m.bus.Emit(ctx, event.RequestDeduplicated, event.RequestPayload{
				RequestID: id,
				Zone:      zone,
				Endpoint:  endpoint,
				Verb:      verb,
			})
			return h, nil
		}
	}

	if err := m.ensureCapacity(ctx, zone); err != nil {
		return nil, err
	}

	// The handle is registered before the record becomes visible to the
	// dispatch loop so a fast completion always finds it.
	fut := async.NewFuture[*queue.Result]()
	m.mu.Lock()
	if _, exists := m.handles[req.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("enqueue request %s: %w", req.ID, queue.ErrAlreadyExists)
	}
	m.handles[req.ID] = fut
	if m.cfg.EnableDeduplication {
		m.dedup[fp] = dedupEntry{requestID: req.ID, expiresAt: now.Add(m.cfg.DeduplicationWindow)}
	}
	m.mu.Unlock()

	if err := m.backend.Enqueue(ctx, req); err != nil {
		m.mu.Lock()
		if e, ok := m.dedup[fp]; ok && e.requestID == req.ID {
			delete(m.dedup, fp)
		}
		delete(m.handles, req.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("enqueue request: %w", err)
	}

	if req.Timeout > 0 {
		m.armWatchdog(req.ID, req.Timeout)
	}

	m.logger.DebugContext(ctx, "request enqueued",
		logger.RequestID(req.ID),
		logger.Zone(zone),
		logger.Endpoint(endpoint),
		logger.Verb(verb),
		logger.Priority(int(req.Priority)),
	)
	m.emitRequest(ctx, event.RequestEnqueued, req, nil)

	if req.Batchable && m.cfg.EnableBatching {
		m.joinBatch(ctx, req)
	}
	return fut, nil
}

func (m *Manager) validate(endpoint, verb, zone string, o *enqueueOptions) error {
	var errs []error
	if strings.TrimSpace(endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if strings.TrimSpace(verb) == "" {
		errs = append(errs, errors.New("verb is required"))
	}
	if strings.TrimSpace(zone) == "" {
		errs = append(errs, errors.New("zone is required"))
	}
	if o.payloadErr != nil {
		errs = append(errs, fmt.Errorf("payload is not serializable: %w", o.payloadErr))
	} else if len(o.payload) > 0 && !json.Valid(o.payload) {
		errs = append(errs, errors.New("payload is not valid JSON"))
	}
	if o.priority != nil && !o.priority.Valid() {
		errs = append(errs, fmt.Errorf("priority must be within %d..%d, got %d", queue.PriorityMin, queue.PriorityMax, *o.priority))
	}
	if o.timeout != nil && *o.timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", *o.timeout))
	}
	if o.maxRetries != nil && *o.maxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", *o.maxRetries))
	}
	if o.delay < 0 {
		errs = append(errs, fmt.Errorf("delay must not be negative, got %s", o.delay))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{queue.ErrValidation}, errs...)...)
}

func (m *Manager) buildRequest(endpoint, verb, zone, fp string, payload json.RawMessage, o *enqueueOptions, now time.Time) *queue.Request {
	req := &queue.Request{
		ID:          o.id,
		GroupID:     o.groupID,
		Endpoint:    endpoint,
		Verb:        verb,
		Zone:        zone,
		Priority:    m.cfg.DefaultPriority,
		Payload:     payload,
		Headers:     o.headers,
		CreatedAt:   now,
		UpdatedAt:   now,
		Timeout:     m.cfg.DefaultTimeout,
		MaxRetries:  m.cfg.DefaultMaxRetries,
		Retryable:   true,
		Batchable:   o.batchable,
		Metadata:    o.metadata,
		Status:      queue.StatusPending,
		Fingerprint: fp,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if o.priority != nil && m.cfg.EnablePriority {
		req.Priority = *o.priority
	}
	if o.timeout != nil {
		req.Timeout = *o.timeout
	}
	if o.maxRetries != nil {
		req.MaxRetries = *o.maxRetries
	}
	if o.retryable != nil {
		req.Retryable = *o.retryable
	}

	switch {
	case o.scheduledAt != nil:
		at := *o.scheduledAt
		req.ScheduledAt = &at
	case o.delay > 0:
		at := now.Add(o.delay)
		req.ScheduledAt = &at
	}

	// Scheduled requests are not grouped: releasing a batch clears the
	// schedule of its members.
	if req.Batchable && m.cfg.EnableBatching {
		if req.ScheduledAt != nil {
			req.Batchable = false
		} else {
			hold := now.Add(m.batcher.Timeout())
			req.ScheduledAt = &hold
		}
	}
	return req
}

// lookupDedup returns the future of the request owning fp while that request
// is in flight. Entries of settled requests are dropped.
func (m *Manager) lookupDedup(fp string) (*async.Future[*queue.Result], string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dedup[fp]
	if !ok {
		return nil, ""
	}
	if h := m.handles[e.requestID]; h != nil && !h.IsComplete() {
		return h, e.requestID
	}
	delete(m.dedup, fp)
	return nil, ""
}

// lookupBatchMember returns the future of the open batch member sharing
// req's fingerprint. The batch would drop req, so it is never persisted.
func (m *Manager) lookupBatchMember(req *queue.Request) (*async.Future[*queue.Result], string) {
	id, ok := m.batcher.Duplicate(req)
	if !ok {
		return nil, ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handles[id]; h != nil && !h.IsComplete() {
		return h, id
	}
	return nil, ""
}

// ensureCapacity rejects the enqueue when the queue is full and nothing can
// be evicted.
func (m *Manager) ensureCapacity(ctx context.Context, zone string) error {
	size, err := m.backend.Size(ctx, "")
	if err != nil {
		return fmt.Errorf("check queue size: %w", err)
	}
	if size < m.cfg.MaxQueueSize {
		return nil
	}

	freed, err := m.evictExpired(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to evict expired requests", logger.Error(err))
	}
	if freed > 0 && size-freed < m.cfg.MaxQueueSize {
		return nil
	}

	m.logger.WarnContext(ctx, "queue is full",
		logger.Zone(zone),
		slog.Int("size", size),
		slog.Int("max_size", m.cfg.MaxQueueSize),
	)
	m.bus.Emit(ctx, event.QueueFull, event.QueueFullPayload{
		Size:    size,
		MaxSize: m.cfg.MaxQueueSize,
		Zone:    zone,
	})
	return fmt.Errorf("%w: %d of %d slots used", queue.ErrQueueFull, size, m.cfg.MaxQueueSize)
}

// evictExpired expires waiting requests whose timeout has passed and returns
// how many were evicted.
func (m *Manager) evictExpired(ctx context.Context) (int, error) {
	waiting, err := m.backend.GetRequests(ctx, queue.Filter{
		Statuses: []queue.Status{queue.StatusPending, queue.StatusRetrying},
	})
	if err != nil {
		return 0, err
	}

	now := m.now()
	n := 0
	for _, r := range waiting {
		if !r.Expired(now) {
			continue
		}
		if m.expire(ctx, r, "timed out while waiting") {
			n++
		}
	}
	if n > 0 {
		m.evictions.Add(int64(n))
	}
	return n, nil
}

// joinBatch adds a held request to its batch and records the batch ID.
func (m *Manager) joinBatch(ctx context.Context, req *queue.Request) {
	b, _ := m.batcher.Add(req)
	if b == nil || !slices.Contains(b.Requests, req.ID) {
		// Not grouped after all: dispatch it on its own right away.
		patch := queue.Patch{ClearSchedule: true}.OnlyIf(queue.StatusPending)
		if _, err := m.backend.UpdateRequest(ctx, req.ID, patch); err != nil && !errors.Is(err, queue.ErrStatusConflict) {
			m.logger.ErrorContext(ctx, "failed to release unbatched request",
				logger.RequestID(req.ID),
				logger.Error(err),
			)
		}
		return
	}
	id := b.ID
	if _, err := m.backend.UpdateRequest(ctx, req.ID, queue.Patch{BatchID: &id}); err != nil {
		m.logger.ErrorContext(ctx, "failed to record batch membership",
			logger.RequestID(req.ID),
			logger.BatchID(id),
			logger.Error(err),
		)
	}
}

func (m *Manager) armWatchdog(id string, timeout time.Duration) {
	t := time.AfterFunc(timeout, func() { m.onWatchdog(id) })

	m.mu.Lock()
	if _, live := m.handles[id]; !live {
		m.mu.Unlock()
		t.Stop()
		return
	}
	m.watchdogs[id] = t
	m.mu.Unlock()
}

// onWatchdog expires a request that is still waiting when its timeout fires.
// Processing requests are bounded by their execution deadline instead.
func (m *Manager) onWatchdog(id string) {
	m.mu.Lock()
	delete(m.watchdogs, id)
	m.mu.Unlock()

	ctx := context.Background()
	r, err := m.backend.GetRequest(ctx, id)
	if err != nil {
		return
	}
	if r.Status == queue.StatusPending || r.Status == queue.StatusRetrying {
		m.expire(ctx, r, "timed out while waiting")
	}
}
