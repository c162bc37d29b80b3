// Package breaker isolates failing zones with per-zone circuit breakers.
//
// Each zone has its own CLOSED -> OPEN -> HALF_OPEN -> CLOSED state machine.
// Failures accumulate into a decaying counter while closed; when it reaches
// the failure threshold the circuit opens for an exponentially growing period
// (based on how often it opened in the last hour) with random jitter. After
// that period one or more probes are let through in HALF_OPEN; enough
// consecutive successes close the circuit, any failure reopens it. A failure
// reported while the circuit is already open pushes the retry time out again.
//
// A periodic health check nudges thresholds by observed error rate and
// latency, forces circuits stuck open into HALF_OPEN and resets idle zones.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const openHistoryWindow = time.Hour

// Snapshot is a copy of a zone's breaker state.
type Snapshot struct {
	Zone             string
	State            State
	FailureCount     float64
	SuccessCount     int
	FailureThreshold int
	SuccessThreshold int
	LastFailureTime  time.Time
	LastSuccessTime  time.Time
	NextRetryTime    time.Time
	OpenedAt         time.Time
	OpensLastHour    int
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	LastError        string
}

type zoneBreaker struct {
	state            State
	failureCount     float64
	successCount     int
	failureThreshold int
	successThreshold int
	lastFailure      time.Time
	lastSuccess      time.Time
	nextRetry        time.Time
	openedAt         time.Time
	opens            []time.Time
	totalRequests    int64
	totalFailures    int64
	totalSuccesses   int64
	lastError        string

	// window accumulates outcomes between health checks
	windowRequests int
	windowFailures int
	windowLatency  time.Duration
}

type transition struct {
	zone     string
	from, to State
}

// Manager owns the circuit breakers of every zone.
type Manager struct {
	mu    sync.Mutex
	zones map[string]*zoneBreaker
	opts  options

	// lifecycle
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a breaker manager.
func New(opts ...Option) *Manager {
	o := options{
		failureThreshold:    5,
		successThreshold:    3,
		timeout:             60 * time.Second,
		maxTimeout:          10 * time.Minute,
		decay:               0.5,
		jitter:              0.25,
		healthCheckInterval: 30 * time.Second,
		stuckOpenMultiplier: 5,
		idleResetAfter:      15 * time.Minute,
		adaptive:            true,
		minSamples:          10,
		errorRateHigh:       0.5,
		errorRateLow:        0.05,
		latencyThreshold:    5 * time.Second,
		shutdownTimeout:     5 * time.Second,
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxTimeout < o.timeout {
		o.maxTimeout = o.timeout
	}

	return &Manager{
		zones: make(map[string]*zoneBreaker),
		opts:  o,
	}
}

// CanExecute reports whether a request to zone may be attempted now.
// An open circuit whose retry time has passed moves to HALF_OPEN.
func (m *Manager) CanExecute(zone string) bool {
	m.mu.Lock()
	b := m.zone(zone)
	now := m.opts.now()

	var tr *transition
	allowed := true
	switch b.state {
	case StateOpen:
		if now.Before(b.nextRetry) {
			allowed = false
			break
		}
		tr = m.setState(zone, b, StateHalfOpen, now)
	}
	m.mu.Unlock()

	m.notify(tr)
	return allowed
}

// Check is CanExecute expressed as an error wrapping queue.ErrCircuitOpen.
func (m *Manager) Check(zone string) error {
	if m.CanExecute(zone) {
		return nil
	}
	return fmt.Errorf("%w: zone %s", queue.ErrCircuitOpen, zone)
}

// RecordSuccess records a successful call to zone.
func (m *Manager) RecordSuccess(zone string, latency time.Duration) {
	m.mu.Lock()
	b := m.zone(zone)
	now := m.opts.now()

	b.totalRequests++
	b.totalSuccesses++
	b.lastSuccess = now
	b.windowRequests++
	b.windowLatency += latency

	var tr *transition
	switch b.state {
	case StateClosed:
		b.failureCount *= m.opts.decay
		if b.failureCount < 0.01 {
			b.failureCount = 0
		}
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			tr = m.setState(zone, b, StateClosed, now)
		}
	case StateOpen:
		// A call admitted before the circuit opened finished late.
		m.opts.logger.Warn("circuit breaker recorded success while open",
			slog.String("zone", zone),
			slog.Time("next_retry", b.nextRetry))
	}
	m.mu.Unlock()

	m.notify(tr)
}

// RecordFailure records a failed call to zone.
func (m *Manager) RecordFailure(zone string, err error, latency time.Duration) {
	m.mu.Lock()
	b := m.zone(zone)
	now := m.opts.now()

	b.totalRequests++
	b.totalFailures++
	b.lastFailure = now
	b.windowRequests++
	b.windowFailures++
	b.windowLatency += latency
	if err != nil {
		b.lastError = err.Error()
	}

	var tr *transition
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= float64(b.failureThreshold) {
			tr = m.setState(zone, b, StateOpen, now)
		}
	case StateHalfOpen:
		tr = m.setState(zone, b, StateOpen, now)
	case StateOpen:
		b.opens = pruneBefore(b.opens, now.Add(-openHistoryWindow))
		if retry := now.Add(m.openDuration(len(b.opens))); retry.After(b.nextRetry) {
			b.nextRetry = retry
			m.opts.logger.Debug("circuit breaker retry postponed by failure while open",
				slog.String("zone", zone),
				slog.Time("next_retry", retry))
		}
	}
	m.mu.Unlock()

	m.notify(tr)
}

// State returns a snapshot of zone's breaker.
func (m *Manager) State(zone string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(zone, m.zone(zone))
}

// States returns snapshots of every known zone.
func (m *Manager) States() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Snapshot, len(m.zones))
	for zone, b := range m.zones {
		out[zone] = m.snapshot(zone, b)
	}
	return out
}

// OpenZones lists zones whose circuit is currently open.
func (m *Manager) OpenZones() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zones []string
	for zone, b := range m.zones {
		if b.state == StateOpen {
			zones = append(zones, zone)
		}
	}
	return zones
}

// Reset returns zone to a fresh closed breaker.
func (m *Manager) Reset(zone string) {
	m.mu.Lock()
	var tr *transition
	if b, ok := m.zones[zone]; ok && b.state != StateClosed {
		tr = &transition{zone: zone, from: b.state, to: StateClosed}
	}
	m.zones[zone] = m.fresh()
	m.mu.Unlock()

	m.notify(tr)
}

// HealthCheck adapts thresholds, heals circuits stuck open and resets idle zones.
func (m *Manager) HealthCheck() {
	m.mu.Lock()
	now := m.opts.now()

	var transitions []*transition
	for zone, b := range m.zones {
		if m.opts.adaptive {
			m.adapt(zone, b)
		}

		lastActivity := b.lastSuccess
		if b.lastFailure.After(lastActivity) {
			lastActivity = b.lastFailure
		}

		switch {
		case !lastActivity.IsZero() && now.Sub(lastActivity) > m.opts.idleResetAfter:
			if b.state != StateClosed {
				transitions = append(transitions, &transition{zone: zone, from: b.state, to: StateClosed})
			}
			m.zones[zone] = m.fresh()
			m.opts.logger.Debug("circuit breaker reset after idle period", slog.String("zone", zone))
		case b.state == StateOpen && now.Sub(b.openedAt) > time.Duration(m.opts.stuckOpenMultiplier)*m.opts.timeout:
			transitions = append(transitions, m.setState(zone, b, StateHalfOpen, now))
			m.opts.logger.Info("circuit breaker forced half-open after being stuck open",
				slog.String("zone", zone),
				slog.Duration("open_for", now.Sub(b.openedAt)))
		}
	}
	m.mu.Unlock()

	for _, tr := range transitions {
		m.notify(tr)
	}
}

// Start runs HealthCheck periodically. This is a blocking operation that runs
// until the context is cancelled. Use Run() for errgroup pattern.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.cancel != nil {
		m.lifeMu.Unlock()
		return fmt.Errorf("circuit breaker manager already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done
	m.lifeMu.Unlock()

	defer close(done)

	ticker := time.NewTicker(m.opts.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.HealthCheck()
		}
	}
}

// Stop halts the health check loop.
func (m *Manager) Stop() error {
	m.lifeMu.Lock()
	if m.cancel == nil {
		m.lifeMu.Unlock()
		return fmt.Errorf("circuit breaker manager not started")
	}
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.lifeMu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(m.opts.shutdownTimeout):
		return fmt.Errorf("shutdown timeout exceeded after %s", m.opts.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		err := m.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func (m *Manager) zone(zone string) *zoneBreaker {
	b, ok := m.zones[zone]
	if !ok {
		b = m.fresh()
		m.zones[zone] = b
	}
	return b
}

func (m *Manager) fresh() *zoneBreaker {
	return &zoneBreaker{
		state:            StateClosed,
		failureThreshold: m.opts.failureThreshold,
		successThreshold: m.opts.successThreshold,
	}
}

// setState must be called with m.mu held.
func (m *Manager) setState(zone string, b *zoneBreaker, to State, now time.Time) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = now
		b.successCount = 0
		b.opens = pruneBefore(append(b.opens, now), now.Add(-openHistoryWindow))
		backoff := m.openDuration(len(b.opens))
		b.nextRetry = now.Add(backoff)
		m.opts.logger.Warn("circuit breaker opened",
			slog.String("zone", zone),
			slog.Float64("failure_count", b.failureCount),
			slog.Duration("backoff", backoff),
			slog.Int("opens_last_hour", len(b.opens)))
	case StateHalfOpen:
		b.successCount = 0
		b.nextRetry = now
		m.opts.logger.Info("circuit breaker half-open", slog.String("zone", zone))
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.nextRetry = time.Time{}
		m.opts.logger.Info("circuit breaker closed", slog.String("zone", zone))
	}

	return &transition{zone: zone, from: from, to: to}
}

// openDuration is timeout * 2^(opens-1), capped, with symmetric jitter.
func (m *Manager) openDuration(opens int) time.Duration {
	d := float64(m.opts.timeout) * math.Pow(2, float64(max(opens-1, 0)))
	if d > float64(m.opts.maxTimeout) {
		d = float64(m.opts.maxTimeout)
	}
	if m.opts.jitter > 0 {
		d += (rand.Float64()*2 - 1) * m.opts.jitter * d //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(d)
}

// adapt must be called with m.mu held.
func (m *Manager) adapt(zone string, b *zoneBreaker) {
	defer func() {
		b.windowRequests, b.windowFailures, b.windowLatency = 0, 0, 0
	}()

	if b.windowRequests < m.opts.minSamples {
		return
	}

	errRate := float64(b.windowFailures) / float64(b.windowRequests)
	avgLatency := b.windowLatency / time.Duration(b.windowRequests)

	switch {
	case errRate > m.opts.errorRateHigh || avgLatency > m.opts.latencyThreshold:
		b.failureThreshold = max(2, b.failureThreshold-1)
		b.successThreshold = min(10, b.successThreshold+1)
	case errRate < m.opts.errorRateLow:
		b.failureThreshold = min(2*m.opts.failureThreshold, b.failureThreshold+1)
		b.successThreshold = max(1, b.successThreshold-1)
	default:
		return
	}

	m.opts.logger.Debug("circuit breaker thresholds adapted",
		slog.String("zone", zone),
		slog.Float64("error_rate", errRate),
		slog.Duration("avg_latency", avgLatency),
		slog.Int("failure_threshold", b.failureThreshold),
		slog.Int("success_threshold", b.successThreshold))
}

func (m *Manager) snapshot(zone string, b *zoneBreaker) Snapshot {
	return Snapshot{
		Zone:             zone,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		LastFailureTime:  b.lastFailure,
		LastSuccessTime:  b.lastSuccess,
		NextRetryTime:    b.nextRetry,
		OpenedAt:         b.openedAt,
		OpensLastHour:    len(pruneBefore(b.opens, m.opts.now().Add(-openHistoryWindow))),
		TotalRequests:    b.totalRequests,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		LastError:        b.lastError,
	}
}

func (m *Manager) notify(tr *transition) {
	if tr == nil || m.opts.onStateChange == nil {
		return
	}
	m.opts.onStateChange(tr.zone, tr.from, tr.to)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
