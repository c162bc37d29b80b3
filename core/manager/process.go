package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/zonequeue/core/event"
	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/priority"
	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/pkg/async"
)

// maxClaimAttempts bounds how often claim re-lists candidates after losing a
// pick to a concurrent claim or cancellation.
const maxClaimAttempts = 3

// ProcessNext claims one due request and processes it synchronously.
// It reports whether a request was taken off the queue, which includes
// requests deferred by an open circuit or the zone rate limit.
// A paused manager or a full concurrency budget yields false and no error.
func (m *Manager) ProcessNext(ctx context.Context) (bool, error) {
	if m.closing.Load() {
		return false, queue.ErrShutdown
	}

	req, handled, err := m.next(ctx)
	if req != nil {
		defer m.freeSlot()
		m.execute(ctx, req)
	}
	return handled, err
}

// dispatch runs one tick of the processing loop: it claims a single runnable
// request and executes it in the background. Requests expired or deferred by
// the admission checks do not use up the tick, up to MaxConcurrency claims.
// Parallelism comes from executions outliving their tick.
func (m *Manager) dispatch(ctx context.Context) {
	for range m.cfg.MaxConcurrency {
		req, handled, err := m.next(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to claim request", logger.Error(err))
			return
		}
		if !handled {
			return
		}
		if req == nil {
			continue
		}
		go func() {
			defer m.freeSlot()
			m.execute(ctx, req)
		}()
		return
	}
}

// next claims a request and runs the admission checks. When it returns a
// request the caller owns a concurrency slot and must free it.
func (m *Manager) next(ctx context.Context) (req *queue.Request, handled bool, err error) {
	if m.paused.Load() {
		return nil, false, nil
	}
	if !m.reserveSlot() {
		return nil, false, nil
	}

	req, err = m.claim(ctx)
	if errors.Is(err, queue.ErrNoRequest) {
		m.freeSlot()
		return nil, false, nil
	}
	if err != nil {
		m.freeSlot()
		return nil, false, fmt.Errorf("dequeue: %w", err)
	}

	if req.Expired(m.now()) {
		m.expire(ctx, req, "timed out before dispatch")
		m.freeSlot()
		return nil, true, nil
	}
	if !m.breakers.CanExecute(req.Zone) {
		m.deferRequest(ctx, req, m.cfg.CircuitOpenBackoff, queue.ErrCircuitOpen.Error())
		m.freeSlot()
		return nil, true, nil
	}
	if m.limiter != nil {
		if ok, wait := m.limiter.Delay(req.Zone); !ok {
			m.deferRequest(ctx, req, wait, "zone rate limit exceeded")
			m.freeSlot()
			return nil, true, nil
		}
	}
	return req, true, nil
}

// claim dequeues the next request. The strict priority strategy uses the
// backend order directly. Other strategies choose among the head of every
// (zone, priority band) pair and claim the pick by id, so the choice and the
// claim cannot diverge.
func (m *Manager) claim(ctx context.Context) (*queue.Request, error) {
	if m.scheduler.Strategy() == priority.StrategyPriority {
		return m.backend.Dequeue(ctx, "")
	}

	for range maxClaimAttempts {
		candidates, err := m.candidates(ctx)
		if err != nil {
			return nil, err
		}
		pick := m.scheduler.SelectNext(candidates)
		if pick == nil {
			return nil, queue.ErrNoRequest
		}

		patch := queue.Patch{}.OnlyIf(queue.StatusPending).WithStatus(queue.StatusProcessing)
		req, err := m.backend.UpdateRequest(ctx, pick.ID, patch)
		switch {
		case err == nil:
			return req, nil
		case errors.Is(err, queue.ErrStatusConflict), errors.Is(err, queue.ErrNotFound):
			// Claimed, cancelled or removed since it was listed.
			continue
		default:
			return nil, err
		}
	}
	return nil, queue.ErrNoRequest
}

// candidates returns the due head of every (zone, priority band) pair.
func (m *Manager) candidates(ctx context.Context) ([]*queue.Request, error) {
	due, err := m.backend.GetRequests(ctx, queue.Filter{
		Statuses: []queue.Status{queue.StatusPending},
		DueAt:    m.now(),
	})
	if err != nil {
		return nil, err
	}

	type slot struct {
		zone string
		band queue.Band
	}
	heads := make(map[slot]*queue.Request)
	order := make([]slot, 0)
	for _, r := range due {
		k := slot{zone: r.Zone, band: r.Priority.Band()}
		head, ok := heads[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || queue.Before(r, head) {
			heads[k] = r
		}
	}

	out := make([]*queue.Request, 0, len(order))
	for _, k := range order {
		out = append(out, heads[k])
	}
	return out, nil
}

func (m *Manager) reserveSlot() bool {
	limit := int32(m.cfg.MaxConcurrency)
	for {
		n := m.inFlight.Load()
		if n >= limit {
			return false
		}
		if m.inFlight.CompareAndSwap(n, n+1) {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing.Load() {
		m.inFlight.Add(-1)
		return false
	}
	m.active.Add(1)
	return true
}

func (m *Manager) freeSlot() {
	m.inFlight.Add(-1)
	m.active.Done()
}

// execute runs req through its processor and records the outcome.
// Execution is detached from ctx cancellation and bounded only by the
// request's own deadline.
func (m *Manager) execute(ctx context.Context, req *queue.Request) {
	ctx = context.WithoutCancel(ctx)
	start := m.now()
	m.stats.observeWait(start.Sub(req.ReadyAt()))
	m.emitRequest(ctx, event.RequestProcessing, req, nil)

	p, ok := m.processors.lookup(req)
	if !ok {
		m.fail(ctx, req, fmt.Errorf("%w: %s %s", queue.ErrNoProcessor, req.Verb, req.Endpoint), start, false)
		return
	}

	execCtx := ctx
	if req.Timeout > 0 {
		remaining := req.CreatedAt.Add(req.Timeout).Sub(start)
		if remaining <= 0 {
			m.expire(ctx, req, "timed out before execution")
			return
		}
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	fut := async.Go(execCtx, func(ctx context.Context) (*queue.Result, error) {
		return m.traced(ctx, p, req.Clone())
	})
	res, err := fut.Await(execCtx)

	switch {
	case err == nil:
		m.complete(ctx, req, res, start)
	case errors.Is(err, context.DeadlineExceeded) && execCtx.Err() != nil:
		latency := m.now().Sub(start)
		m.breakers.RecordFailure(req.Zone, err, latency)
		m.scheduler.RecordOutcome(req.Endpoint, false, latency)
		m.stats.observe(m.now(), false, latency)
		m.expire(ctx, req, "timed out during execution")
	default:
		m.fail(ctx, req, err, start, true)
	}
}

func (m *Manager) complete(ctx context.Context, req *queue.Request, res *queue.Result, start time.Time) {
	now := m.now()
	latency := now.Sub(start)

	m.breakers.RecordSuccess(req.Zone, latency)
	m.scheduler.RecordOutcome(req.Endpoint, true, latency)
	m.stats.observe(now, true, latency)
	m.batcher.UpdateLoad(float64(m.inFlight.Load()) / float64(m.cfg.MaxConcurrency))

	patch := queue.Patch{}.
		OnlyIf(queue.StatusProcessing).
		WithStatus(queue.StatusCompleted).
		WithAttempt(queue.Attempt{Timestamp: start, Duration: latency, Outcome: queue.StatusCompleted})
	updated, err := m.backend.UpdateRequest(ctx, req.ID, patch)
	if m.superseded(ctx, req.ID, err) {
		return
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record completion", logger.RequestID(req.ID), logger.Error(err))
		updated = req
		updated.Status = queue.StatusCompleted
	}

	if res == nil {
		res = &queue.Result{}
	}
	res.RequestID = req.ID
	res.Attempts = req.RetryCount + 1
	res.Duration = latency
	res.CompletedAt = now

	m.logger.DebugContext(ctx, "request completed",
		logger.RequestID(req.ID),
		logger.Zone(req.Zone),
		logger.Latency(latency),
	)
	m.emitRequest(ctx, event.RequestCompleted, updated, func(p *event.RequestPayload) {
		p.Duration = latency
	})
	m.settle(updated, res, nil)
}

// fail records a failed attempt and either schedules a retry or fails the
// request. Attempts that never reached a processor do not count against the
// zone or the endpoint.
func (m *Manager) fail(ctx context.Context, req *queue.Request, cause error, start time.Time, attempted bool) {
	now := m.now()
	latency := now.Sub(start)
	msg := cause.Error()

	if attempted {
		m.breakers.RecordFailure(req.Zone, cause, latency)
		m.scheduler.RecordOutcome(req.Endpoint, false, latency)
	}
	m.stats.observe(now, false, latency)

	attempt := queue.Attempt{Timestamp: start, Duration: latency, Error: msg}
	if attempted && req.Retryable && !queue.IsPermanent(cause) && req.RetryCount < req.MaxRetries {
		m.retryLater(ctx, req, attempt)
		return
	}

	attempt.Outcome = queue.StatusFailed
	patch := queue.Patch{}.
		OnlyIf(queue.StatusProcessing).
		WithStatus(queue.StatusFailed).
		WithError(msg).
		WithAttempt(attempt)
	updated, err := m.backend.UpdateRequest(ctx, req.ID, patch)
	if m.superseded(ctx, req.ID, err) {
		return
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record failure", logger.RequestID(req.ID), logger.Error(err))
		updated = req
		updated.Status = queue.StatusFailed
		updated.LastError = msg
	}

	m.stats.fail()
	m.logger.WarnContext(ctx, "request failed",
		logger.RequestID(req.ID),
		logger.Zone(req.Zone),
		logger.Endpoint(req.Endpoint),
		logger.RetryCount(req.RetryCount),
		logger.Error(cause),
	)
	m.emitRequest(ctx, event.RequestFailed, updated, func(p *event.RequestPayload) {
		p.Duration = latency
	})

	if attempted {
		cause = fmt.Errorf("%w: %w", queue.ErrProcessor, cause)
	}
	m.settle(updated, nil, cause)
}

// retryLater moves req back to the queue after the backoff delay.
func (m *Manager) retryLater(ctx context.Context, req *queue.Request, attempt queue.Attempt) {
	n := req.RetryCount + 1
	delay := m.retry.Delay(n)
	attempt.Outcome = queue.StatusRetrying

	patch := queue.Patch{}.
		OnlyIf(queue.StatusProcessing).
		WithRetryCount(n).
		WithError(attempt.Error).
		WithAttempt(attempt)
	if delay > 0 {
		patch = patch.WithStatus(queue.StatusRetrying).WithSchedule(m.now().Add(delay))
	} else {
		patch = patch.WithStatus(queue.StatusPending)
		patch.ClearSchedule = true
	}

	updated, err := m.backend.UpdateRequest(ctx, req.ID, patch)
	if m.superseded(ctx, req.ID, err) {
		return
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to schedule retry", logger.RequestID(req.ID), logger.Error(err))
		return
	}
	if delay > 0 {
		m.armRetry(req.ID, delay)
	}

	m.stats.retry()
	m.logger.InfoContext(ctx, "request scheduled for retry",
		logger.RequestID(req.ID),
		logger.RetryCount(n),
		slog.Duration("delay", delay),
	)
	m.emitRequest(ctx, event.RequestRetrying, updated, func(p *event.RequestPayload) {
		p.Delay = delay
	})
}

func (m *Manager) armRetry(id string, delay time.Duration) {
	t := time.AfterFunc(delay, func() { m.promote(id) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.retryTimers[id]; ok {
		old.Stop()
	}
	m.retryTimers[id] = t
}

// promote returns a retrying request to pending once its delay has passed.
func (m *Manager) promote(id string) {
	m.mu.Lock()
	delete(m.retryTimers, id)
	m.mu.Unlock()

	ctx := context.Background()
	patch := queue.Patch{}.OnlyIf(queue.StatusRetrying).WithStatus(queue.StatusPending)
	_, err := m.backend.UpdateRequest(ctx, id, patch)
	if err != nil && !errors.Is(err, queue.ErrStatusConflict) && !errors.Is(err, queue.ErrNotFound) {
		m.logger.ErrorContext(ctx, "failed to promote retrying request", logger.RequestID(id), logger.Error(err))
	}
}

// deferRequest puts a claimed request back without counting an attempt.
func (m *Manager) deferRequest(ctx context.Context, req *queue.Request, delay time.Duration, reason string) {
	patch := queue.Patch{}.
		OnlyIf(queue.StatusProcessing).
		WithStatus(queue.StatusPending).
		WithSchedule(m.now().Add(delay))
	updated, err := m.backend.UpdateRequest(ctx, req.ID, patch)
	if m.superseded(ctx, req.ID, err) {
		return
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to defer request", logger.RequestID(req.ID), logger.Error(err))
		return
	}

	m.logger.DebugContext(ctx, "request deferred",
		logger.RequestID(req.ID),
		logger.Zone(req.Zone),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)
	m.emitRequest(ctx, event.RequestDeferred, updated, func(p *event.RequestPayload) {
		p.Delay = delay
		p.Error = reason
	})
}

// expire marks req expired and rejects its future with queue.ErrTimeout.
// The update applies only while the stored status still equals req.Status.
// It reports whether the request was updated.
func (m *Manager) expire(ctx context.Context, req *queue.Request, reason string) bool {
	patch := queue.Patch{}.
		OnlyIf(req.Status).
		WithStatus(queue.StatusExpired).
		WithError(reason)
	updated, err := m.backend.UpdateRequest(ctx, req.ID, patch)
	if m.superseded(ctx, req.ID, err) {
		return false
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to expire request", logger.RequestID(req.ID), logger.Error(err))
		return false
	}

	m.batcher.Remove(req.ID)
	m.stats.expire()
	m.logger.WarnContext(ctx, "request expired",
		logger.RequestID(req.ID),
		logger.Zone(req.Zone),
		slog.String("reason", reason),
	)
	m.emitRequest(ctx, event.RequestExpired, updated, nil)
	m.settle(updated, nil, fmt.Errorf("%w: %s", queue.ErrTimeout, reason))
	return true
}

// superseded reports whether a conditional update lost to another terminal
// transition, as happens when a request is cancelled mid-flight. The winner
// already settled the future.
func (m *Manager) superseded(ctx context.Context, id string, err error) bool {
	if !errors.Is(err, queue.ErrStatusConflict) {
		return false
	}
	m.logger.DebugContext(ctx, "request outcome discarded after concurrent transition",
		logger.RequestID(id),
		logger.Error(err),
	)
	return true
}
