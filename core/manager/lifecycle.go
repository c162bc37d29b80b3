package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/pkg/async"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	queue.MaintenanceResult
	Expired    int `json:"expired"`
	Promoted   int `json:"promoted"`
	DedupSwept int `json:"dedup_swept"`
}

// Start initializes the backend and runs the dispatch loop together with the
// breaker health checks, the monitor and the rate limiter cleanup.
// This method blocks until the context is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.closing.Load() {
		m.lifeMu.Unlock()
		return queue.ErrShutdown
	}
	if m.cancel != nil {
		m.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	if err := m.backend.Initialize(ctx); err != nil {
		m.lifeMu.Unlock()
		return fmt.Errorf("initialize backend: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.lifeMu.Unlock()

	m.running.Store(true)
	defer func() {
		m.running.Store(false)
		m.lifeMu.Lock()
		m.cancel = nil
		m.lifeMu.Unlock()
		cancel()
		close(done)
	}()

	m.logger.InfoContext(ctx, "queue manager started",
		slog.Int("max_concurrency", m.cfg.MaxConcurrency),
		slog.Int("max_queue_size", m.cfg.MaxQueueSize),
		slog.String("strategy", string(m.scheduler.Strategy())),
		slog.Int("processors", m.processors.size()),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(m.breakers.Run(ctx))
	if m.monitor != nil {
		eg.Go(m.monitor.Run(ctx))
	}
	if m.limiter != nil {
		eg.Go(m.limiter.Run(ctx))
	}
	eg.Go(func() error { return m.loop(ctx) })

	err := eg.Wait()
	m.logger.Info("queue manager stopped")
	return err
}

// Stop cancels the dispatch loop and waits for it to exit.
// In-flight requests keep running; use Shutdown to drain them.
func (m *Manager) Stop() error {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.lifeMu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(m.cfg.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout exceeded after %s", m.cfg.ShutdownTimeout)
	}
}

// Run returns a function suitable for errgroup.Go. The manager runs until
// ctx is cancelled and is then shut down gracefully.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		err := m.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
		if serr := m.Shutdown(context.WithoutCancel(ctx)); serr != nil && err == nil {
			err = serr
		}
		return err
	}
}

// IsRunning reports whether the dispatch loop is active.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Shutdown stops accepting work, waits for in-flight requests up to the
// shutdown timeout, rejects every unsettled future with queue.ErrShutdown and
// closes the backend. Subsequent calls return the result of the first one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing.Store(true)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "shutting down queue manager", slog.Int("in_flight", int(m.inFlight.Load())))

	var errs []error
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		errs = append(errs, err)
	}

	// Held batch members become dispatchable for the next run.
	m.batcher.Flush()

	if !m.drain(ctx) {
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded after %s with %d requests in flight",
			m.cfg.ShutdownTimeout, m.inFlight.Load()))
	}

	m.mu.Lock()
	unsettled := m.handles
	m.handles = make(map[string]*async.Future[*queue.Result])
	for id := range unsettled {
		m.stopTimersLocked(id)
	}
	for id, t := range m.watchdogs {
		t.Stop()
		delete(m.watchdogs, id)
	}
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	clear(m.dedup)
	m.mu.Unlock()

	for _, h := range unsettled {
		h.Reject(queue.ErrShutdown)
	}

	if err := m.backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if m.ownsBus {
		if err := m.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	m.logger.InfoContext(ctx, "queue manager shut down", slog.Int("rejected", len(unsettled)))
	return errors.Join(errs...)
}

// drain waits for in-flight executions. It reports false on timeout.
func (m *Manager) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) loop(ctx context.Context) error {
	tick := time.NewTicker(m.cfg.ProcessingInterval)
	defer tick.Stop()
	maintenance := time.NewTicker(m.cfg.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			m.dispatch(ctx)
		case <-maintenance.C:
			if _, err := m.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "queue maintenance failed", logger.Error(err))
			}
		}
	}
}

// RunMaintenance purges old records, expires waiting requests past their
// timeout, returns due retries to pending and sweeps stale dedup entries.
// The dispatch loop calls it every MaintenanceInterval.
func (m *Manager) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport

	res, err := m.backend.Maintenance(ctx)
	if err != nil {
		return report, fmt.Errorf("backend maintenance: %w", err)
	}
	report.MaintenanceResult = res

	report.Expired, err = m.evictExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("expire requests: %w", err)
	}

	retrying, err := m.backend.GetRequests(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusRetrying}})
	if err != nil {
		return report, fmt.Errorf("list retrying requests: %w", err)
	}
	now := m.now()
	for _, r := range retrying {
		if !r.Due(now) {
			continue
		}
		patch := queue.Patch{}.OnlyIf(queue.StatusRetrying).WithStatus(queue.StatusPending)
		if _, err := m.backend.UpdateRequest(ctx, r.ID, patch); err == nil {
			report.Promoted++
		}
	}

	m.mu.Lock()
	for fp, e := range m.dedup {
		if now.Before(e.expiresAt) {
			continue
		}
		if h := m.handles[e.requestID]; h != nil && !h.IsComplete() {
			continue
		}
		delete(m.dedup, fp)
		report.DedupSwept++
	}
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "queue maintenance completed",
		slog.Int("removed_requests", res.RemovedRequests),
		slog.Int("removed_batches", res.RemovedBatches),
		slog.Int("expired", report.Expired),
		slog.Int("promoted", report.Promoted),
		slog.Int("dedup_swept", report.DedupSwept),
	)
	return report, nil
}
