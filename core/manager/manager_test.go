package manager_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/core/backoff"
	"github.com/dmitrymomot/zonequeue/core/breaker"
	"github.com/dmitrymomot/zonequeue/core/event"
	"github.com/dmitrymomot/zonequeue/core/manager"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	m       *manager.Manager
	backend *queue.MemoryBackend
	clock   *clock
}

func newFixture(t *testing.T, opts ...manager.Option) *fixture {
	t.Helper()

	clk := newClock()
	backend := queue.NewMemoryBackend(queue.WithMemoryClock(clk.Now))
	base := []manager.Option{
		manager.WithClock(clk.Now),
		manager.WithMonitor(false),
		manager.WithRetryStrategy(backoff.Constant(0)),
		manager.WithShutdownTimeout(time.Second),
	}
	m, err := manager.New(backend, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return &fixture{m: m, backend: backend, clock: clk}
}

func okProcessor(data any) manager.ProcessorFunc {
	return func(context.Context, *queue.Request) (*queue.Result, error) {
		return &queue.Result{Data: data}, nil
	}
}

func await(t *testing.T, f interface {
	AwaitWithTimeout(time.Duration) (*queue.Result, error)
}) (*queue.Result, error) {
	t.Helper()
	return f.AwaitWithTimeout(time.Second)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("nil backend", func(t *testing.T) {
		t.Parallel()
		_, err := manager.New(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		cfg := manager.DefaultConfig()
		cfg.MaxConcurrency = 0
		_, err := manager.NewFromConfig(cfg, queue.NewMemoryBackend())
		assert.ErrorIs(t, err, queue.ErrConfiguration)
	})

	t.Run("options override config", func(t *testing.T) {
		t.Parallel()
		cfg := manager.DefaultConfig()
		cfg.MaxQueueSize = 5
		m, err := manager.NewFromConfig(cfg, queue.NewMemoryBackend(), manager.WithMaxQueueSize(7))
		require.NoError(t, err)
		assert.Equal(t, 7, m.Config().MaxQueueSize)
		assert.NotNil(t, m.Monitor())
	})
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		endpoint string
		verb     string
		zone     string
		opts     []manager.EnqueueOption
	}{
		{"empty endpoint", "", "GET", "eu", nil},
		{"empty verb", "/users", " ", "eu", nil},
		{"empty zone", "/users", "GET", "", nil},
		{"priority too high", "/users", "GET", "eu", []manager.EnqueueOption{manager.WithPriority(101)}},
		{"negative timeout", "/users", "GET", "eu", []manager.EnqueueOption{manager.WithTimeout(-time.Second)}},
		{"negative retries", "/users", "GET", "eu", []manager.EnqueueOption{manager.WithMaxRetries(-1)}},
		{"unserializable data", "/users", "GET", "eu", []manager.EnqueueOption{manager.WithData(make(chan int))}},
		{"invalid json", "/users", "GET", "eu", []manager.EnqueueOption{manager.WithPayload([]byte("{"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.m.Enqueue(ctx, tt.endpoint, tt.verb, tt.zone, tt.opts...)
			assert.ErrorIs(t, err, queue.ErrValidation)
		})
	}
}

func TestManager_ProcessNextCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.RegisterDefaultProcessor(okProcessor("done")))

	fut, err := f.m.Enqueue(ctx, "/users", "post", "eu", manager.WithData(map[string]int{"id": 1}))
	require.NoError(t, err)

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Data)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.RequestID)

	stored, err := f.m.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
	assert.Equal(t, "POST", stored.Verb)
	require.Len(t, stored.History, 1)
	assert.Equal(t, queue.StatusCompleted, stored.History[0].Outcome)

	ok, err = f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "queue is empty")
}

func TestManager_PriorityOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(_ context.Context, r *queue.Request) (*queue.Result, error) {
			mu.Lock()
			order = append(order, r.Endpoint)
			mu.Unlock()
			return nil, nil
		})))

	for _, p := range []struct {
		endpoint string
		priority queue.Priority
	}{
		{"/low", 10},
		{"/critical", 95},
		{"/normal", 50},
		{"/high", 80},
	} {
		_, err := f.m.Enqueue(ctx, p.endpoint, "GET", "eu", manager.WithPriority(p.priority))
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	for range 4 {
		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, []string{"/critical", "/high", "/normal", "/low"}, order)
}

func TestManager_PriorityDisabled(t *testing.T) {
	t.Parallel()

	cfg := manager.DefaultConfig()
	cfg.EnablePriority = false
	f := newFixture(t, manager.WithConfig(cfg))

	fut, err := f.m.Enqueue(context.Background(), "/a", "GET", "eu", manager.WithPriority(99))
	require.NoError(t, err)
	require.NotNil(t, fut)

	reqs, err := f.m.GetRequests(context.Background(), queue.Filter{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, queue.PriorityDefault, reqs[0].Priority)
}

func TestManager_FIFOStrategyAcrossZones(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.WithPriorityStrategy("fifo"))
	ctx := context.Background()

	var first atomic.Value
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(_ context.Context, r *queue.Request) (*queue.Result, error) {
			first.CompareAndSwap(nil, r.Zone)
			return nil, nil
		})))

	_, err := f.m.Enqueue(ctx, "/a", "GET", "eu", manager.WithPriority(10))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.m.Enqueue(ctx, "/b", "GET", "us", manager.WithPriority(90))
	require.NoError(t, err)

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "eu", first.Load())
}

func TestManager_StrategyWithinZone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy string
		want     []string
	}{
		{"priority", []string{"/fresh", "/aged"}},
		{"weighted", []string{"/aged", "/fresh"}},
		{"fifo", []string{"/aged", "/fresh"}},
		{"lifo", []string{"/fresh", "/aged"}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, manager.WithPriorityStrategy(tt.strategy))
			ctx := context.Background()

			var mu sync.Mutex
			var order []string
			require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
				func(_ context.Context, r *queue.Request) (*queue.Result, error) {
					mu.Lock()
					order = append(order, r.Endpoint)
					mu.Unlock()
					return nil, nil
				})))

			_, err := f.m.Enqueue(ctx, "/aged", "GET", "eu", manager.WithPriority(10), manager.WithTimeout(0))
			require.NoError(t, err)
			f.clock.Advance(20 * time.Minute)
			_, err = f.m.Enqueue(ctx, "/fresh", "GET", "eu", manager.WithPriority(80), manager.WithTimeout(0))
			require.NoError(t, err)

			for range 2 {
				ok, err := f.m.ProcessNext(ctx)
				require.NoError(t, err)
				require.True(t, ok)
			}
			assert.Equal(t, tt.want, order)
		})
	}
}

func TestManager_Deduplication(t *testing.T) {
	t.Parallel()

	t.Run("joins in-flight requests", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithDeduplication(true, time.Minute))
		ctx := context.Background()
		require.NoError(t, f.m.RegisterDefaultProcessor(okProcessor("once")))

		a, err := f.m.Enqueue(ctx, "/users", "POST", "eu",
			manager.WithPayload([]byte(`{"b":2,"a":1}`)),
			manager.WithTimeout(0),
		)
		require.NoError(t, err)
		b, err := f.m.Enqueue(ctx, "/users", "post", "eu", manager.WithPayload([]byte(`{"a":1,"b":2}`)))
		require.NoError(t, err)
		assert.Same(t, a, b)

		reqs, err := f.m.GetRequests(ctx, queue.Filter{})
		require.NoError(t, err)
		assert.Len(t, reqs, 1)

		f.clock.Advance(2 * time.Minute)
		late, err := f.m.Enqueue(ctx, "/users", "POST", "eu", manager.WithPayload([]byte(`{"a":1,"b":2}`)))
		require.NoError(t, err)
		assert.Same(t, a, late, "still pending after the window")

		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ra, err := await(t, a)
		require.NoError(t, err)
		assert.Equal(t, "once", ra.Data)

		metrics, err := f.m.GetMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), metrics.DedupHits)
	})

	t.Run("completed requests are not joined", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithDeduplication(true, time.Minute))
		ctx := context.Background()
		require.NoError(t, f.m.RegisterDefaultProcessor(okProcessor("again")))

		a, err := f.m.Enqueue(ctx, "/users", "POST", "eu", manager.WithData(map[string]int{"id": 1}))
		require.NoError(t, err)
		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		ra, err := await(t, a)
		require.NoError(t, err)

		c, err := f.m.Enqueue(ctx, "/users", "POST", "eu", manager.WithData(map[string]int{"id": 1}))
		require.NoError(t, err)
		assert.NotSame(t, a, c)

		ok, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		rc, err := await(t, c)
		require.NoError(t, err)
		assert.NotEqual(t, ra.RequestID, rc.RequestID)

		completed, err := f.m.GetRequests(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusCompleted}})
		require.NoError(t, err)
		assert.Len(t, completed, 2)

		metrics, err := f.m.GetMetrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, metrics.DedupHits)
	})

	t.Run("resubmits after a permanent failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithDeduplication(true, time.Hour))
		ctx := context.Background()

		var calls atomic.Int32
		require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
			func(context.Context, *queue.Request) (*queue.Result, error) {
				if calls.Add(1) == 1 {
					return nil, queue.Permanent(errors.New("bad gateway config"))
				}
				return &queue.Result{Data: "fixed"}, nil
			})))

		failed, err := f.m.Enqueue(ctx, "/pay", "POST", "eu", manager.WithData(map[string]int{"amount": 5}))
		require.NoError(t, err)
		_, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)
		_, err = await(t, failed)
		require.ErrorIs(t, err, queue.ErrProcessor)

		retry, err := f.m.Enqueue(ctx, "/pay", "POST", "eu", manager.WithData(map[string]int{"amount": 5}))
		require.NoError(t, err)
		assert.NotSame(t, failed, retry)

		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		res, err := await(t, retry)
		require.NoError(t, err)
		assert.Equal(t, "fixed", res.Data)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("batch members are joined without deduplication", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t,
			manager.WithDeduplication(false, 0),
			manager.WithBatching(true, 2, time.Minute),
		)
		ctx := context.Background()

		var calls atomic.Int32
		require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
			func(context.Context, *queue.Request) (*queue.Result, error) {
				calls.Add(1)
				return &queue.Result{Data: "synced"}, nil
			})))

		sub, err := f.m.Events().Subscribe(event.BatchReady)
		require.NoError(t, err)

		a, err := f.m.Enqueue(ctx, "/sync", "POST", "eu", manager.WithBatchable(), manager.WithData(1))
		require.NoError(t, err)
		b, err := f.m.Enqueue(ctx, "/sync", "POST", "eu", manager.WithBatchable(), manager.WithData(1))
		require.NoError(t, err)
		assert.Same(t, a, b)

		size, err := f.backend.Size(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, size, "duplicate batch member is not persisted")

		other, err := f.m.Enqueue(ctx, "/sync", "POST", "eu", manager.WithBatchable(), manager.WithData(2))
		require.NoError(t, err)

		select {
		case evt := <-sub.Events():
			assert.Equal(t, 2, evt.Payload.(event.BatchPayload).Size)
		case <-time.After(time.Second):
			t.Fatal("batch.ready not emitted")
		}

		for range 2 {
			ok, err := f.m.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		res, err := await(t, a)
		require.NoError(t, err)
		assert.Equal(t, "synced", res.Data)
		_, err = await(t, other)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())

		metrics, err := f.m.GetMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), metrics.DedupHits)
	})

	t.Run("different payloads are distinct", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()

		a, err := f.m.Enqueue(ctx, "/users", "POST", "eu", manager.WithData(map[string]int{"id": 1}))
		require.NoError(t, err)
		b, err := f.m.Enqueue(ctx, "/users", "POST", "eu", manager.WithData(map[string]int{"id": 2}))
		require.NoError(t, err)
		assert.NotSame(t, a, b)
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithDeduplication(false, 0))
		ctx := context.Background()

		a, err := f.m.Enqueue(ctx, "/users", "GET", "eu")
		require.NoError(t, err)
		b, err := f.m.Enqueue(ctx, "/users", "GET", "eu")
		require.NoError(t, err)
		assert.NotSame(t, a, b)

		size, err := f.backend.Size(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 2, size)
	})
}

func TestManager_QueueFull(t *testing.T) {
	t.Parallel()

	t.Run("rejects when nothing can be evicted", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithMaxQueueSize(2))
		ctx := context.Background()

		sub, err := f.m.Events().Subscribe(event.QueueFull)
		require.NoError(t, err)

		for _, ep := range []string{"/a", "/b"} {
			_, err := f.m.Enqueue(ctx, ep, "GET", "eu")
			require.NoError(t, err)
		}
		_, err = f.m.Enqueue(ctx, "/c", "GET", "eu")
		assert.ErrorIs(t, err, queue.ErrQueueFull)

		select {
		case evt := <-sub.Events():
			p, ok := evt.Payload.(event.QueueFullPayload)
			require.True(t, ok)
			assert.Equal(t, 2, p.MaxSize)
		case <-time.After(time.Second):
			t.Fatal("queue.full not emitted")
		}
	})

	t.Run("evicts expired requests", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithMaxQueueSize(2))
		ctx := context.Background()

		stale, err := f.m.Enqueue(ctx, "/a", "GET", "eu", manager.WithTimeout(time.Hour))
		require.NoError(t, err)
		_, err = f.m.Enqueue(ctx, "/b", "GET", "eu", manager.WithTimeout(0))
		require.NoError(t, err)

		f.clock.Advance(2 * time.Hour)
		_, err = f.m.Enqueue(ctx, "/c", "GET", "eu")
		require.NoError(t, err)

		_, err = await(t, stale)
		assert.ErrorIs(t, err, queue.ErrTimeout)

		metrics, err := f.m.GetMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), metrics.Evictions)
		assert.Equal(t, 1, metrics.ByStatus[queue.StatusExpired])
	})
}

func TestManager_Retries(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()

		var calls atomic.Int32
		require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
			func(context.Context, *queue.Request) (*queue.Result, error) {
				if calls.Add(1) < 3 {
					return nil, errors.New("upstream unavailable")
				}
				return &queue.Result{Data: "ok"}, nil
			})))

		fut, err := f.m.Enqueue(ctx, "/pay", "POST", "eu", manager.WithMaxRetries(3))
		require.NoError(t, err)

		for range 3 {
			ok, err := f.m.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}

		res, err := await(t, fut)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Attempts)

		stored, err := f.m.GetRequest(ctx, res.RequestID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.RetryCount)
		require.Len(t, stored.History, 3)
		assert.Equal(t, queue.StatusRetrying, stored.History[0].Outcome)
		assert.Equal(t, "upstream unavailable", stored.History[0].Error)
	})

	t.Run("fails when retries are exhausted", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		boom := errors.New("boom")
		require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
			func(context.Context, *queue.Request) (*queue.Result, error) { return nil, boom })))

		fut, err := f.m.Enqueue(ctx, "/pay", "POST", "eu", manager.WithMaxRetries(1))
		require.NoError(t, err)

		for range 2 {
			ok, err := f.m.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}

		_, err = await(t, fut)
		assert.ErrorIs(t, err, queue.ErrProcessor)
		assert.ErrorIs(t, err, boom)

		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
			func(context.Context, *queue.Request) (*queue.Result, error) {
				return nil, queue.Permanent(errors.New("bad request"))
			})))

		fut, err := f.m.Enqueue(ctx, "/pay", "POST", "eu", manager.WithMaxRetries(5))
		require.NoError(t, err)

		_, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)

		_, err = await(t, fut)
		assert.ErrorIs(t, err, queue.ErrProcessor)

		reqs, err := f.m.GetRequests(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusFailed}})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Zero(t, reqs[0].RetryCount)
	})

	t.Run("delayed retry waits for its schedule", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, manager.WithRetryStrategy(backoff.Constant(time.Hour)))
		ctx := context.Background()

		var calls atomic.Int32
		require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
			func(context.Context, *queue.Request) (*queue.Result, error) {
				if calls.Add(1) == 1 {
					return nil, errors.New("flaky")
				}
				return nil, nil
			})))

		fut, err := f.m.Enqueue(ctx, "/pay", "POST", "eu", manager.WithTimeout(0))
		require.NoError(t, err)

		_, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)

		reqs, err := f.m.GetRequests(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusRetrying}})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		require.NotNil(t, reqs[0].ScheduledAt)

		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "retry is not due yet")

		f.clock.Advance(2 * time.Hour)
		report, err := f.m.RunMaintenance(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Promoted)

		ok, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = await(t, fut)
		assert.NoError(t, err)
	})
}

func TestManager_CircuitBreakerDefersRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		manager.WithCircuitBreaker(2, 1, time.Minute),
		manager.WithCircuitOpenBackoff(10*time.Second),
	)
	ctx := context.Background()

	var calls atomic.Int32
	var healthy atomic.Bool
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(context.Context, *queue.Request) (*queue.Result, error) {
			calls.Add(1)
			if healthy.Load() {
				return nil, nil
			}
			return nil, errors.New("zone down")
		})))

	sub, err := f.m.Events().Subscribe(event.CircuitStateChanged)
	require.NoError(t, err)

	for _, ep := range []string{"/a", "/b"} {
		_, err := f.m.Enqueue(ctx, ep, "GET", "eu", manager.WithRetryable(false), manager.WithTimeout(0))
		require.NoError(t, err)
		_, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, f.m.Breakers().State("eu").State)

	select {
	case evt := <-sub.Events():
		p := evt.Payload.(event.CircuitPayload)
		assert.Equal(t, "eu", p.Zone)
		assert.Equal(t, string(breaker.StateOpen), p.To)
	case <-time.After(time.Second):
		t.Fatal("circuit change not emitted")
	}

	fut, err := f.m.Enqueue(ctx, "/c", "GET", "eu", manager.WithTimeout(0))
	require.NoError(t, err)

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the processor")

	deferred, err := f.m.GetRequests(ctx, queue.Filter{Endpoints: []string{"/c"}})
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	assert.Equal(t, queue.StatusPending, deferred[0].Status)
	require.NotNil(t, deferred[0].ScheduledAt)
	assert.Equal(t, f.clock.Now().Add(10*time.Second), *deferred[0].ScheduledAt)
	assert.Zero(t, deferred[0].RetryCount)

	health, err := f.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu"}, health.OpenCircuits)
	assert.NotEqual(t, queue.HealthHealthy, health.Status)

	healthy.Store(true)
	f.clock.Advance(10 * time.Minute)

	ok, err = f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, f.m.Breakers().State("eu").State)
}

func TestManager_ProcessorRouting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.RegisterProcessor("/users", okProcessor("endpoint")))
	require.NoError(t, f.m.RegisterProcessor("delete", okProcessor("verb")))
	require.NoError(t, f.m.RegisterDefaultProcessor(okProcessor("default")))
	assert.ErrorIs(t, f.m.RegisterProcessor("", okProcessor("x")), queue.ErrValidation)
	assert.ErrorIs(t, f.m.RegisterProcessor("/x", nil), queue.ErrValidation)

	tests := []struct {
		endpoint string
		verb     string
		want     string
	}{
		{"/users", "DELETE", "endpoint"},
		{"/orders", "DELETE", "verb"},
		{"/orders", "GET", "default"},
	}
	for _, tt := range tests {
		fut, err := f.m.Enqueue(ctx, tt.endpoint, tt.verb, "eu")
		require.NoError(t, err)
		_, err = f.m.ProcessNext(ctx)
		require.NoError(t, err)

		res, err := await(t, fut)
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Data, "%s %s", tt.verb, tt.endpoint)
	}
}

func TestManager_NoProcessor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.WithCircuitBreaker(1, 1, time.Minute))
	ctx := context.Background()

	fut, err := f.m.Enqueue(ctx, "/unknown", "GET", "eu")
	require.NoError(t, err)
	_, err = f.m.ProcessNext(ctx)
	require.NoError(t, err)

	_, err = await(t, fut)
	assert.ErrorIs(t, err, queue.ErrNoProcessor)
	assert.Equal(t, breaker.StateClosed, f.m.Breakers().State("eu").State)
}

func TestManager_ExecutionTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(ctx context.Context, _ *queue.Request) (*queue.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	fut, err := f.m.Enqueue(ctx, "/slow", "GET", "eu", manager.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = await(t, fut)
	assert.ErrorIs(t, err, queue.ErrTimeout)

	reqs, err := f.m.GetRequests(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusExpired}})
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestManager_ProcessorPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(context.Context, *queue.Request) (*queue.Result, error) {
			panic("processor exploded")
		})))

	fut, err := f.m.Enqueue(ctx, "/boom", "GET", "eu", manager.WithRetryable(false))
	require.NoError(t, err)
	_, err = f.m.ProcessNext(ctx)
	require.NoError(t, err)

	_, err = await(t, fut)
	assert.ErrorIs(t, err, queue.ErrProcessor)
}

func TestManager_CancelRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.m.Events().Subscribe(event.RequestCancelled)
	require.NoError(t, err)

	fut, err := f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)
	reqs, err := f.m.GetRequests(ctx, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	id := reqs[0].ID

	ok, err := f.m.CancelRequest(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = await(t, fut)
	assert.ErrorIs(t, err, queue.ErrCancelled)

	stored, err := f.m.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, stored.Status)

	ok, err = f.m.CancelRequest(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "already terminal")

	ok, err = f.m.CancelRequest(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)
	assert.NotSame(t, fut, again, "cancel releases the dedup entry")

	select {
	case evt := <-sub.Events():
		assert.Equal(t, id, evt.Payload.(event.RequestPayload).RequestID)
	case <-time.After(time.Second):
		t.Fatal("request.cancelled not emitted")
	}
}

func TestManager_CancelWhileProcessing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	started := make(chan string, 1)
	release := make(chan struct{})
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(_ context.Context, r *queue.Request) (*queue.Result, error) {
			started <- r.ID
			<-release
			return &queue.Result{Data: "late"}, nil
		})))

	fut, err := f.m.Enqueue(ctx, "/a", "GET", "eu", manager.WithTimeout(0))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.m.ProcessNext(ctx)
	}()
	id := <-started

	ok, err := f.m.CancelRequest(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	<-done

	_, err = await(t, fut)
	assert.ErrorIs(t, err, queue.ErrCancelled)

	stored, err := f.m.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, stored.Status, "late completion must not overwrite the cancellation")
	assert.Empty(t, stored.History)
}

func TestManager_Clear(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	eu1, err := f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)
	eu2, err := f.m.Enqueue(ctx, "/b", "GET", "eu")
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "/c", "GET", "us")
	require.NoError(t, err)

	n, err := f.m.Clear(ctx, "eu")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, fut := range []interface {
		AwaitWithTimeout(time.Duration) (*queue.Result, error)
	}{eu1, eu2} {
		_, err := await(t, fut)
		assert.ErrorIs(t, err, queue.ErrCancelled)
	}

	size, err := f.backend.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestManager_PauseResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.RegisterDefaultProcessor(okProcessor(nil)))

	_, err := f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)

	f.m.PauseProcessing()
	assert.True(t, f.m.IsPaused())

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	health, err := f.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.HealthDegraded, health.Status)
	assert.True(t, health.Paused)

	f.m.ResumeProcessing()
	ok, err = f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.WithMaxConcurrency(1))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(context.Context, *queue.Request) (*queue.Result, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		})))

	_, err := f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "/b", "GET", "eu")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.m.ProcessNext(ctx)
	}()
	<-started

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no free slot while the first request runs")

	metrics, err := f.m.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.InFlight)

	close(release)
	<-done

	go func() { <-started }()
	ok, err = f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_Batching(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.WithBatching(true, 2, time.Minute))
	ctx := context.Background()
	require.NoError(t, f.m.RegisterDefaultProcessor(okProcessor(nil)))

	sub, err := f.m.Events().Subscribe(event.BatchReady)
	require.NoError(t, err)

	_, err = f.m.Enqueue(ctx, "/sync", "POST", "eu", manager.WithBatchable(), manager.WithData(1))
	require.NoError(t, err)

	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held until the batch is ready")

	_, err = f.m.Enqueue(ctx, "/sync", "POST", "eu", manager.WithBatchable(), manager.WithData(2))
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		p := evt.Payload.(event.BatchPayload)
		assert.Equal(t, 2, p.Size)
		assert.Equal(t, "full", p.Reason)
	case <-time.After(time.Second):
		t.Fatal("batch.ready not emitted")
	}

	for range 2 {
		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	reqs, err := f.m.GetRequests(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].BatchID)
	assert.Equal(t, reqs[0].BatchID, reqs[1].BatchID)

	metrics, err := f.m.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Batches.Created)
	assert.Equal(t, int64(1), metrics.Batches.Dispatched)
}

func TestManager_ZoneRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.WithZoneRateLimit(1, 1))
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(context.Context, *queue.Request) (*queue.Result, error) {
			calls.Add(1)
			return nil, nil
		})))

	for _, ep := range []string{"/a", "/b"} {
		_, err := f.m.Enqueue(ctx, ep, "GET", "eu", manager.WithTimeout(0))
		require.NoError(t, err)
	}

	for range 2 {
		ok, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), calls.Load(), "second request deferred by the zone limit")

	f.clock.Advance(time.Second)
	ok, err := f.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.RegisterProcessor("/ok", okProcessor(nil)))
	require.NoError(t, f.m.RegisterProcessor("/fail", manager.ProcessorFunc(
		func(context.Context, *queue.Request) (*queue.Result, error) {
			return nil, errors.New("nope")
		})))

	_, err := f.m.Enqueue(ctx, "/ok", "GET", "eu", manager.WithPriority(95))
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "/fail", "GET", "us", manager.WithRetryable(false))
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "/ok", "GET", "us", manager.WithPriority(10), manager.WithDelay(time.Hour))
	require.NoError(t, err)

	for range 2 {
		_, err := f.m.ProcessNext(ctx)
		require.NoError(t, err)
	}

	metrics, err := f.m.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.Total)
	assert.Equal(t, 1, metrics.Pending)
	assert.Equal(t, 1, metrics.ByStatus[queue.StatusCompleted])
	assert.Equal(t, 1, metrics.ByStatus[queue.StatusFailed])
	assert.InDelta(t, 0.5, metrics.ErrorRate, 1e-9)
	assert.InDelta(t, 1.0/10000, metrics.Utilization, 1e-9)
	assert.Positive(t, metrics.Throughput)
	require.NotNil(t, metrics.OldestPending)

	health, err := f.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.BackendReachable)
	assert.Equal(t, queue.HealthCritical, health.Status, "error rate above critical threshold")
	require.NotNil(t, health.LastProcessedAt)
}

func TestManager_HealthWithoutProcessingLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	health, err := f.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.HealthHealthy, health.Status, "nothing is waiting")

	_, err = f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)

	health, err = f.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.False(t, health.ProcessingAlive)
	assert.Equal(t, queue.HealthDegraded, health.Status)
	assert.Contains(t, health.Issues, "processing loop is not running with 1 pending requests")
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	fut, err := f.m.Enqueue(ctx, "/a", "GET", "eu")
	require.NoError(t, err)

	require.NoError(t, f.m.Shutdown(ctx))
	require.NoError(t, f.m.Shutdown(ctx), "second shutdown is a no-op")

	_, err = await(t, fut)
	assert.ErrorIs(t, err, queue.ErrShutdown)

	_, err = f.m.Enqueue(ctx, "/b", "GET", "eu")
	assert.ErrorIs(t, err, queue.ErrShutdown)

	_, err = f.m.ProcessNext(ctx)
	assert.ErrorIs(t, err, queue.ErrShutdown)

	health, err := f.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.HealthOffline, health.Status)
}

func TestManager_Run(t *testing.T) {
	t.Parallel()

	backend := queue.NewMemoryBackend()
	m, err := manager.New(backend,
		manager.WithProcessingInterval(5*time.Millisecond),
		manager.WithMonitor(false),
	)
	require.NoError(t, err)
	require.NoError(t, m.RegisterDefaultProcessor(okProcessor("async")))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx)() }()

	require.Eventually(t, m.IsRunning, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Start(ctx), manager.ErrAlreadyStarted)

	futs := make([]interface {
		AwaitWithTimeout(time.Duration) (*queue.Result, error)
	}, 0, 5)
	for _, ep := range []string{"/a", "/b", "/c", "/d", "/e"} {
		fut, err := m.Enqueue(ctx, ep, "GET", "eu")
		require.NoError(t, err)
		futs = append(futs, fut)
	}
	for _, fut := range futs {
		res, err := fut.AwaitWithTimeout(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, "async", res.Data)
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.False(t, m.IsRunning())
}

func TestManager_RunDispatchesOnePerTick(t *testing.T) {
	t.Parallel()

	backend := queue.NewMemoryBackend()
	m, err := manager.New(backend,
		manager.WithProcessingInterval(200*time.Millisecond),
		manager.WithMaxConcurrency(4),
		manager.WithMonitor(false),
	)
	require.NoError(t, err)

	var running atomic.Int32
	release := make(chan struct{})
	require.NoError(t, m.RegisterDefaultProcessor(manager.ProcessorFunc(
		func(context.Context, *queue.Request) (*queue.Result, error) {
			running.Add(1)
			<-release
			return nil, nil
		})))

	ctx, cancel := context.WithCancel(context.Background())
	for _, ep := range []string{"/a", "/b", "/c"} {
		_, err := m.Enqueue(ctx, ep, "GET", "eu")
		require.NoError(t, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx)() }()

	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return running.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond,
		"free slots are filled one tick at a time")
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)

	close(release)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}
