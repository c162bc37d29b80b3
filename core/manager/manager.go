package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/zonequeue/core/backoff"
	"github.com/dmitrymomot/zonequeue/core/batch"
	"github.com/dmitrymomot/zonequeue/core/breaker"
	"github.com/dmitrymomot/zonequeue/core/event"
	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/monitor"
	"github.com/dmitrymomot/zonequeue/core/priority"
	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/pkg/async"
	"github.com/dmitrymomot/zonequeue/pkg/ratelimiter"
)

// dedupEntry maps a fingerprint to the request that owns it.
// liveStatuses are the states a request can leave for a terminal one.
var liveStatuses = []queue.Status{queue.StatusPending, queue.StatusProcessing, queue.StatusRetrying}

type dedupEntry struct {
	requestID string
	expiresAt time.Time
}

// Manager orchestrates the queue: it accepts requests, persists them in a
// backend, dispatches them to processors under breaker, rate and concurrency
// control, retries failures and settles the futures handed to callers.
type Manager struct {
	backend    queue.Backend
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	bus        *event.Bus
	ownsBus    bool
	retry      backoff.Strategy
	breakers   *breaker.Manager
	scheduler  *priority.Scheduler
	batcher    *batch.Manager
	monitor    *monitor.Monitor
	limiter    *ratelimiter.Limiter
	processors *registry
	stats      *tracker
	tracer     trace.Tracer

	// enqueueMu serializes dedup lookup and registration.
	enqueueMu sync.Mutex

	mu          sync.Mutex
	handles     map[string]*async.Future[*queue.Result]
	dedup       map[string]dedupEntry
	watchdogs   map[string]*time.Timer
	retryTimers map[string]*time.Timer
	active      sync.WaitGroup

	paused   atomic.Bool
	closing  atomic.Bool
	inFlight atomic.Int32

	dedupHits atomic.Int64
	evictions atomic.Int64

	lifeMu       sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a queue manager on top of backend.
// The configuration defaults to DefaultConfig and is validated; warnings are logged.
func New(backend queue.Backend, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, queue.ErrRepositoryNil
	}

	o := &options{
		cfg:     DefaultConfig(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // No-op logger by default
		now:     time.Now,
		monitor: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	warnings, err := o.cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		o.logger.Warn("queue configuration warning", slog.String("warning", w))
	}

	cfg := o.cfg
	m := &Manager{
		backend:     backend,
		cfg:         cfg,
		logger:      o.logger,
		now:         o.now,
		bus:         o.bus,
		retry:       o.retry,
		processors:  newRegistry(),
		stats:       newTracker(time.Minute),
		tracer:      tracerFrom(o.tracer),
		handles:     make(map[string]*async.Future[*queue.Result]),
		dedup:       make(map[string]dedupEntry),
		watchdogs:   make(map[string]*time.Timer),
		retryTimers: make(map[string]*time.Timer),
	}

	if m.bus == nil {
		m.bus = event.NewBus(event.WithLogger(o.logger))
		m.ownsBus = true
	}
	if m.retry == nil {
		m.retry = backoff.New(cfg.RetryBaseDelay, cfg.RetryMultiplier, cfg.RetryMaxDelay, cfg.RetryJitter)
	}

	strategy := priority.Strategy(cfg.PriorityStrategy)
	if !cfg.EnablePriority {
		strategy = priority.StrategyFIFO
	}
	m.scheduler = priority.New(strategy,
		priority.WithClock(o.now),
		priority.WithLogger(o.logger.With(logger.Component("scheduler"))),
	)

	m.breakers = breaker.New(
		breaker.WithFailureThreshold(cfg.CircuitFailureThreshold),
		breaker.WithSuccessThreshold(cfg.CircuitSuccessThreshold),
		breaker.WithTimeout(cfg.CircuitTimeout),
		breaker.WithOnStateChange(m.onCircuitChange),
		breaker.WithLogger(o.logger.With(logger.Component("breaker"))),
		breaker.WithClock(o.now),
	)

	m.batcher = batch.New(
		batch.WithMaxSize(cfg.BatchMaxSize),
		batch.WithTimeout(cfg.BatchTimeout),
		batch.WithOnCreated(m.onBatchCreated),
		batch.WithOnReady(m.onBatchReady),
		batch.WithLogger(o.logger.With(logger.Component("batch"))),
		batch.WithClock(o.now),
	)

	if cfg.ZoneRateLimit > 0 {
		m.limiter, err = ratelimiter.New(
			ratelimiter.Config{Rate: cfg.ZoneRateLimit, Burst: cfg.ZoneRateBurst},
			ratelimiter.WithClock(o.now),
			ratelimiter.WithLogger(o.logger.With(logger.Component("ratelimiter"))),
		)
		if err != nil {
			return nil, errors.Join(queue.ErrConfiguration, err)
		}
	}

	if o.monitor {
		m.monitor, err = monitor.New(m,
			monitor.WithInterval(cfg.MonitorInterval),
			monitor.WithOnAlert(m.onAlert),
			monitor.WithLogger(o.logger.With(logger.Component("monitor"))),
		)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// NewFromConfig creates a Manager from configuration.
// Backend must be provided. Additional options can override config values.
func NewFromConfig(cfg Config, backend queue.Backend, opts ...Option) (*Manager, error) {
	return New(backend, append([]Option{WithConfig(cfg)}, opts...)...)
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Events returns the bus on which the manager publishes lifecycle events.
func (m *Manager) Events() *event.Bus {
	return m.bus
}

// Breakers exposes the per-zone circuit breakers.
func (m *Manager) Breakers() *breaker.Manager {
	return m.breakers
}

// Monitor returns the queue monitor, or nil when disabled.
func (m *Manager) Monitor() *monitor.Monitor {
	return m.monitor
}

// RegisterProcessor routes requests to p. Key is either an endpoint, matched
// exactly, or a verb such as "POST", matched case-insensitively. Endpoint
// matches win over verb matches.
func (m *Manager) RegisterProcessor(key string, p Processor) error {
	if key == "" {
		return fmt.Errorf("%w: processor key is required", queue.ErrValidation)
	}
	if p == nil {
		return fmt.Errorf("%w: processor is nil", queue.ErrValidation)
	}
	m.processors.register(key, p)
	return nil
}

// RegisterDefaultProcessor sets the processor used when no endpoint or verb processor matches.
func (m *Manager) RegisterDefaultProcessor(p Processor) error {
	if p == nil {
		return fmt.Errorf("%w: processor is nil", queue.ErrValidation)
	}
	m.processors.setDefault(p)
	return nil
}

// PauseProcessing stops dispatching new requests. Enqueue keeps working.
func (m *Manager) PauseProcessing() {
	if !m.paused.Swap(true) {
		m.logger.Info("queue processing paused")
	}
}

// ResumeProcessing resumes dispatching after PauseProcessing.
func (m *Manager) ResumeProcessing() {
	if m.paused.Swap(false) {
		m.logger.Info("queue processing resumed")
	}
}

// IsPaused reports whether processing is paused.
func (m *Manager) IsPaused() bool {
	return m.paused.Load()
}

// GetRequest returns the stored request with id.
func (m *Manager) GetRequest(ctx context.Context, id string) (*queue.Request, error) {
	return m.backend.GetRequest(ctx, id)
}

// GetRequests returns stored requests matching filter.
func (m *Manager) GetRequests(ctx context.Context, filter queue.Filter) ([]*queue.Request, error) {
	return m.backend.GetRequests(ctx, filter)
}

// CancelRequest cancels a request that has not reached a terminal state.
// It reports false when the request is unknown or already finished.
func (m *Manager) CancelRequest(ctx context.Context, id string) (bool, error) {
	r, err := m.backend.GetRequest(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load request %s: %w", id, err)
	}
	if r.Status.Terminal() {
		return false, nil
	}

	patch := queue.Patch{}.
		OnlyIf(liveStatuses...).
		WithStatus(queue.StatusCancelled).
		WithError(queue.ErrCancelled.Error())
	if _, err := m.backend.UpdateRequest(ctx, id, patch); err != nil {
		if errors.Is(err, queue.ErrStatusConflict) || errors.Is(err, queue.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("cancel request %s: %w", id, err)
	}

	m.release(ctx, r, queue.ErrCancelled)
	return true, nil
}

// Clear cancels and removes every request, or only those of zone when it is
// not empty. It returns the number of removed records.
func (m *Manager) Clear(ctx context.Context, zone string) (int, error) {
	filter := queue.Filter{Statuses: []queue.Status{
		queue.StatusPending,
		queue.StatusProcessing,
		queue.StatusRetrying,
	}}
	if zone != "" {
		filter.Zones = []string{zone}
	}

	live, err := m.backend.GetRequests(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list requests: %w", err)
	}

	removed, err := m.backend.Clear(ctx, zone)
	if err != nil {
		return 0, fmt.Errorf("clear backend: %w", err)
	}

	for _, r := range live {
		m.release(ctx, r, queue.ErrCancelled)
	}

	m.logger.InfoContext(ctx, "queue cleared", logger.Zone(zone), slog.Int("removed", removed))
	return removed, nil
}

// release drops every piece of in-memory state for a cancelled request and
// rejects its future.
func (m *Manager) release(ctx context.Context, r *queue.Request, cause error) {
	m.batcher.Remove(r.ID)

	m.mu.Lock()
	if e, ok := m.dedup[r.Fingerprint]; ok && e.requestID == r.ID {
		delete(m.dedup, r.Fingerprint)
	}
	h := m.forgetLocked(r.ID)
	m.mu.Unlock()

	if h != nil {
		h.Reject(cause)
	}
	m.stats.cancel()
	m.emitRequest(ctx, event.RequestCancelled, r, func(p *event.RequestPayload) {
		p.Status = string(queue.StatusCancelled)
	})
}

// settle releases the bookkeeping of a request that reached a terminal state
// and settles its future. Later identical requests start a new record.
func (m *Manager) settle(r *queue.Request, res *queue.Result, err error) {
	m.mu.Lock()
	if e, ok := m.dedup[r.Fingerprint]; ok && e.requestID == r.ID {
		delete(m.dedup, r.Fingerprint)
	}
	h := m.forgetLocked(r.ID)
	m.mu.Unlock()

	if h == nil {
		return
	}
	if err != nil {
		h.Reject(err)
		return
	}
	h.Resolve(res)
}

// forgetLocked removes the handle and timers of id and returns the handle.
func (m *Manager) forgetLocked(id string) *async.Future[*queue.Result] {
	h := m.handles[id]
	delete(m.handles, id)
	m.stopTimersLocked(id)
	return h
}

func (m *Manager) stopTimersLocked(id string) {
	if t, ok := m.watchdogs[id]; ok {
		t.Stop()
		delete(m.watchdogs, id)
	}
	if t, ok := m.retryTimers[id]; ok {
		t.Stop()
		delete(m.retryTimers, id)
	}
}

func (m *Manager) emitRequest(ctx context.Context, name string, r *queue.Request, mutate func(*event.RequestPayload)) {
	p := event.RequestPayload{
		RequestID:  r.ID,
		Zone:       r.Zone,
		Endpoint:   r.Endpoint,
		Verb:       r.Verb,
		Priority:   int(r.Priority),
		Status:     string(r.Status),
		RetryCount: r.RetryCount,
		Error:      r.LastError,
	}
	if mutate != nil {
		mutate(&p)
	}
	m.bus.Emit(ctx, name, p)
}

func (m *Manager) onCircuitChange(zone string, from, to breaker.State) {
	m.logger.Info("circuit state changed",
		logger.Zone(zone),
		slog.String("from", string(from)),
		logger.State(string(to)),
	)
	m.bus.Emit(context.Background(), event.CircuitStateChanged, event.CircuitPayload{
		Zone: zone,
		From: string(from),
		To:   string(to),
	})
}

func (m *Manager) onAlert(a monitor.Alert, resolved bool) {
	name := event.AlertRaised
	if resolved {
		name = event.AlertResolved
	}
	m.bus.Emit(context.Background(), name, event.AlertPayload{
		Rule:      a.Rule,
		Severity:  string(a.Severity),
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
	})
}

func (m *Manager) onBatchCreated(b *queue.Batch) {
	ctx := context.Background()
	if err := m.backend.StoreBatch(ctx, b); err != nil {
		m.logger.ErrorContext(ctx, "failed to store batch", logger.BatchID(b.ID), logger.Error(err))
	}
	m.bus.Emit(ctx, event.BatchCreated, event.BatchPayload{
		BatchID: b.ID,
		Key:     b.Key,
		Zone:    b.Zone,
		Size:    len(b.Requests),
	})
}

// onBatchReady releases the held members of b for dispatch and records the
// batch as dispatched.
func (m *Manager) onBatchReady(b *queue.Batch, reason batch.Reason) {
	ctx := context.Background()

	readyAt := m.now()
	if b.ReadyAt != nil {
		readyAt = *b.ReadyAt
	}
	ready := queue.BatchReady
	err := m.backend.UpdateBatch(ctx, b.ID, queue.BatchPatch{Status: &ready, Requests: b.Requests, ReadyAt: &readyAt})
	if errors.Is(err, queue.ErrBatchNotFound) {
		err = m.backend.StoreBatch(ctx, b)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record ready batch", logger.BatchID(b.ID), logger.Error(err))
	}

	release := queue.Patch{ClearSchedule: true}.OnlyIf(queue.StatusPending)
	for _, id := range b.Requests {
		_, err := m.backend.UpdateRequest(ctx, id, release)
		if errors.Is(err, queue.ErrStatusConflict) || errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to release batched request", logger.RequestID(id), logger.Error(err))
		}
	}

	dispatched := queue.BatchDispatched
	at := m.now()
	if err := m.backend.UpdateBatch(ctx, b.ID, queue.BatchPatch{Status: &dispatched, DispatchedAt: &at}); err != nil {
		m.logger.ErrorContext(ctx, "failed to mark batch dispatched", logger.BatchID(b.ID), logger.Error(err))
	}

	m.bus.Emit(ctx, event.BatchReady, event.BatchPayload{
		BatchID: b.ID,
		Key:     b.Key,
		Zone:    b.Zone,
		Size:    len(b.Requests),
		Reason:  string(reason),
	})
}
