// Package batch groups compatible requests for combined dispatch.
//
// Requests that share zone, endpoint, verb and priority band collect in an
// open batch until one of the dispatch triggers fires: the batch is full, a
// high-priority member pushes it past half capacity, a critical member
// arrives, or its timeout elapses. The maximum size and timeout adapt to the
// load reported through UpdateLoad.
package batch

import (
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Reason explains why a batch became ready.
type Reason string

const (
	ReasonFull         Reason = "full"
	ReasonHighPriority Reason = "high_priority"
	ReasonCritical     Reason = "critical"
	ReasonTimeout      Reason = "timeout"
	ReasonFlush        Reason = "flush"
)

// ReadyFunc receives batches that are ready for dispatch.
type ReadyFunc func(b *queue.Batch, reason Reason)

// CreatedFunc receives batches when they are opened.
type CreatedFunc func(b *queue.Batch)

// Stats is a point-in-time view of batching activity.
type Stats struct {
	Created        int64
	Dispatched     int64
	Duplicates     int64
	Members        int64
	Open           int
	AvgSize        float64
	Load           float64
	CurrentMaxSize int
	CurrentTimeout time.Duration
}

type openBatch struct {
	batch        *queue.Batch
	fingerprints map[string]string // fingerprint -> member request id
	timer        *time.Timer
}

// Manager collects requests into batches.
type Manager struct {
	baseSize      int
	baseTimeout   time.Duration
	priorityBands bool

	onReady   ReadyFunc
	onCreated CreatedFunc
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	open    map[string]*openBatch
	members map[string]string // request ID -> batch key
	load    float64

	created    int64
	dispatched int64
	duplicates int64
	memberSum  int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSize sets the base maximum batch size.
func WithMaxSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.baseSize = n
		}
	}
}

// WithTimeout sets the base time a batch may collect before dispatch.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.baseTimeout = d
		}
	}
}

// WithPriorityBands controls whether requests of different priority bands
// are kept in separate batches. Enabled by default.
func WithPriorityBands(enabled bool) Option {
	return func(m *Manager) {
		m.priorityBands = enabled
	}
}

// WithOnReady sets the callback invoked for every batch that becomes ready.
func WithOnReady(fn ReadyFunc) Option {
	return func(m *Manager) {
		m.onReady = fn
	}
}

// WithOnCreated sets the callback invoked when a batch is opened.
func WithOnCreated(fn CreatedFunc) Option {
	return func(m *Manager) {
		m.onCreated = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a batch manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		baseSize:      10,
		baseTimeout:   time.Second,
		priorityBands: true,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:           time.Now,
		open:          make(map[string]*openBatch),
		members:       make(map[string]string),
		load:          0.5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the batch key of r.
func (m *Manager) Key(r *queue.Request) string {
	parts := []string{r.Zone, r.Endpoint, strings.ToUpper(r.Verb)}
	if m.priorityBands {
		parts = append(parts, string(r.Priority.Band()))
	}
	return strings.Join(parts, "|")
}

// Add places r into the open batch for its key, opening one if needed.
// It returns a snapshot of the batch and whether the batch became ready.
// A request whose fingerprint is already present in the batch is dropped
// and the existing batch is returned.
func (m *Manager) Add(r *queue.Request) (*queue.Batch, bool) {
	key := m.Key(r)

	m.mu.Lock()
	ob, exists := m.open[key]
	var created *queue.Batch
	if !exists {
		ob = m.openLocked(key, r)
		created = ob.batch.Clone()
	}

	if r.Fingerprint != "" {
		if _, dup := ob.fingerprints[r.Fingerprint]; dup {
			m.duplicates++
			snapshot := ob.batch.Clone()
			m.mu.Unlock()
			m.logger.Debug("duplicate request dropped from batch",
				logger.RequestID(r.ID),
				logger.BatchID(snapshot.ID),
				logger.Fingerprint(r.Fingerprint),
			)
			return snapshot, false
		}
		ob.fingerprints[r.Fingerprint] = r.ID
	}

	b := ob.batch
	b.Requests = append(b.Requests, r.ID)
	b.Priority = max(b.Priority, r.Priority)
	m.members[r.ID] = key
	m.memberSum++

	reason, ready := trigger(b, r)
	if ready {
		m.readyLocked(key, ob)
	}
	snapshot := b.Clone()
	m.mu.Unlock()

	if created != nil {
		m.logger.Debug("batch opened", logger.BatchID(created.ID), slog.String("key", key))
		if m.onCreated != nil {
			m.onCreated(created)
		}
	}
	if ready {
		m.deliver(snapshot, reason)
	}
	return snapshot, ready
}

// Duplicate returns the ID of the member of r's open batch that shares r's
// fingerprint. Add would drop r in that case.
func (m *Manager) Duplicate(r *queue.Request) (string, bool) {
	if r.Fingerprint == "" {
		return "", false
	}
	key := m.Key(r)

	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.open[key]
	if !ok {
		return "", false
	}
	id, ok := ob.fingerprints[r.Fingerprint]
	return id, ok
}

// Remove takes a request out of its open batch. It reports whether the
// request was found. An emptied batch is discarded.
func (m *Manager) Remove(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.members[requestID]
	if !ok {
		return false
	}
	delete(m.members, requestID)

	ob := m.open[key]
	if ob == nil {
		return false
	}
	for i, id := range ob.batch.Requests {
		if id == requestID {
			ob.batch.Requests = append(ob.batch.Requests[:i], ob.batch.Requests[i+1:]...)
			m.memberSum--
			break
		}
	}
	for fp, id := range ob.fingerprints {
		if id == requestID {
			delete(ob.fingerprints, fp)
		}
	}
	if len(ob.batch.Requests) == 0 {
		ob.timer.Stop()
		delete(m.open, key)
	}
	return true
}

// Flush marks every open batch ready and delivers them. It returns the
// flushed batches.
func (m *Manager) Flush() []*queue.Batch {
	m.mu.Lock()
	flushed := make([]*queue.Batch, 0, len(m.open))
	for key, ob := range m.open {
		m.readyLocked(key, ob)
		flushed = append(flushed, ob.batch.Clone())
	}
	m.mu.Unlock()

	for _, b := range flushed {
		m.deliver(b, ReasonFlush)
	}
	return flushed
}

// UpdateLoad adapts batch size and timeout to load, a scalar in [0, 1].
// Higher load yields smaller batches that dispatch sooner. At the initial
// load of 0.5 the configured size and timeout apply unchanged.
func (m *Manager) UpdateLoad(load float64) {
	if math.IsNaN(load) {
		return
	}
	m.mu.Lock()
	m.load = min(max(load, 0), 1)
	m.mu.Unlock()
}

// MaxSize returns the current adaptive maximum batch size.
func (m *Manager) MaxSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSizeLocked()
}

// Timeout returns the current adaptive batch timeout.
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeoutLocked()
}

// Stats returns batching counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Created:        m.created,
		Dispatched:     m.dispatched,
		Duplicates:     m.duplicates,
		Members:        m.memberSum,
		Open:           len(m.open),
		Load:           m.load,
		CurrentMaxSize: m.maxSizeLocked(),
		CurrentTimeout: m.timeoutLocked(),
	}
	if m.created > 0 {
		s.AvgSize = float64(m.memberSum) / float64(m.created)
	}
	return s
}

func (m *Manager) openLocked(key string, r *queue.Request) *openBatch {
	timeout := m.timeoutLocked()
	b := &queue.Batch{
		ID:        uuid.NewString(),
		Key:       key,
		Zone:      r.Zone,
		Endpoint:  r.Endpoint,
		Verb:      strings.ToUpper(r.Verb),
		Priority:  r.Priority,
		MaxSize:   m.maxSizeLocked(),
		Timeout:   timeout,
		Status:    queue.BatchCollecting,
		CreatedAt: m.now(),
	}
	ob := &openBatch{
		batch:        b,
		fingerprints: make(map[string]string),
	}
	id := b.ID
	ob.timer = time.AfterFunc(timeout, func() { m.expire(key, id) })
	m.open[key] = ob
	m.created++
	return ob
}

func (m *Manager) expire(key, id string) {
	m.mu.Lock()
	ob, ok := m.open[key]
	if !ok || ob.batch.ID != id {
		m.mu.Unlock()
		return
	}
	m.readyLocked(key, ob)
	snapshot := ob.batch.Clone()
	m.mu.Unlock()

	m.deliver(snapshot, ReasonTimeout)
}

func (m *Manager) readyLocked(key string, ob *openBatch) {
	ob.timer.Stop()
	delete(m.open, key)
	for _, id := range ob.batch.Requests {
		delete(m.members, id)
	}
	at := m.now()
	ob.batch.Status = queue.BatchReady
	ob.batch.ReadyAt = &at
	m.dispatched++
}

func (m *Manager) deliver(b *queue.Batch, reason Reason) {
	m.logger.Debug("batch ready",
		logger.BatchID(b.ID),
		logger.Zone(b.Zone),
		slog.Int("size", len(b.Requests)),
		slog.String("reason", string(reason)),
	)
	if m.onReady != nil {
		m.onReady(b, reason)
	}
}

func (m *Manager) maxSizeLocked() int {
	size := int(math.Round(float64(m.baseSize) * (1.5 - m.load)))
	return min(max(size, 1), 2*m.baseSize)
}

func (m *Manager) timeoutLocked() time.Duration {
	d := time.Duration(float64(m.baseTimeout) * (1.5 - m.load))
	return min(max(d, time.Millisecond), 2*m.baseTimeout)
}

// trigger decides whether adding r made b ready.
func trigger(b *queue.Batch, r *queue.Request) (Reason, bool) {
	switch {
	case r.Priority >= queue.PriorityCritical:
		return ReasonCritical, true
	case len(b.Requests) >= b.MaxSize:
		return ReasonFull, true
	case r.Priority >= queue.PriorityHigh && 2*len(b.Requests) > b.MaxSize:
		return ReasonHighPriority, true
	}
	return "", false
}
