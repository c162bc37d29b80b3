// Package queuetest provides a contract test suite for queue.Backend implementations.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Factory returns a fresh, initialized and empty backend for a single subtest.
type Factory func(t *testing.T) queue.Backend

var base = time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

// NewRequest builds a valid pending request. Creation times are spaced by
// offset steps of 10ms from a shared base so ordering is deterministic.
func NewRequest(zone string, priority queue.Priority, offset int) *queue.Request {
	created := base.Add(time.Duration(offset) * 10 * time.Millisecond)
	return &queue.Request{
		ID:          uuid.NewString(),
		Endpoint:    "/tickets",
		Verb:        "POST",
		Zone:        zone,
		Priority:    priority,
		Payload:     json.RawMessage(`{"title":"test"}`),
		Headers:     map[string]string{"X-Trace": "1"},
		CreatedAt:   created,
		UpdatedAt:   created,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		Retryable:   true,
		Status:      queue.StatusPending,
		Fingerprint: "v1:" + uuid.NewString(),
	}
}

// Run executes the backend contract against backends produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("enqueue and get", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		req := NewRequest("zone-a", queue.PriorityHigh, 0)
		req.Metadata = map[string]any{"source": "suite"}
		require.NoError(t, b.Enqueue(ctx, req))

		got, err := b.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, req.Zone, got.Zone)
		assert.Equal(t, req.Priority, got.Priority)
		assert.Equal(t, queue.StatusPending, got.Status)
		assert.JSONEq(t, string(req.Payload), string(got.Payload))
		assert.Equal(t, "1", got.Headers["X-Trace"])
		assert.Equal(t, "suite", got.Metadata["source"])
		assert.True(t, req.CreatedAt.Equal(got.CreatedAt))

		err = b.Enqueue(ctx, req)
		assert.ErrorIs(t, err, queue.ErrAlreadyExists)

		_, err = b.GetRequest(ctx, uuid.NewString())
		assert.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("dequeue empty", func(t *testing.T) {
		b := factory(t)

		_, err := b.Dequeue(context.Background(), "")
		assert.ErrorIs(t, err, queue.ErrNoRequest)

		_, err = b.Peek(context.Background(), "")
		assert.ErrorIs(t, err, queue.ErrNoRequest)
	})

	t.Run("priority then fifo order", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		priorities := []queue.Priority{3, 7, 3, 9}
		ids := make([]string, len(priorities))
		for i, p := range priorities {
			req := NewRequest("zone-a", p, i)
			ids[i] = req.ID
			require.NoError(t, b.Enqueue(ctx, req))
		}

		peeked, err := b.Peek(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, ids[3], peeked.ID)

		var order []string
		for range priorities {
			req, err := b.Dequeue(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, queue.StatusProcessing, req.Status)
			order = append(order, req.ID)
		}
		assert.Equal(t, []string{ids[3], ids[1], ids[0], ids[2]}, order)

		_, err = b.Dequeue(ctx, "")
		assert.ErrorIs(t, err, queue.ErrNoRequest)
	})

	t.Run("fifo within a millisecond", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		const n = 20
		ids := make([]string, n)
		reqs := make([]*queue.Request, n)
		for i := range n {
			req := NewRequest(fmt.Sprintf("zone-%d", i%2), queue.PriorityNormal, 0)
			req.CreatedAt = base.Add(time.Duration(i) * 100 * time.Nanosecond)
			req.UpdatedAt = req.CreatedAt
			ids[i] = req.ID
			reqs[i] = req
		}
		for i := n - 1; i >= 0; i-- {
			require.NoError(t, b.Enqueue(ctx, reqs[i]))
		}

		got, err := b.GetRequest(ctx, ids[1])
		require.NoError(t, err)
		assert.True(t, reqs[1].CreatedAt.Equal(got.CreatedAt), "creation time keeps sub-millisecond precision")

		order := make([]string, 0, n)
		for range n {
			req, err := b.Dequeue(ctx, "")
			require.NoError(t, err)
			order = append(order, req.ID)
		}
		assert.Equal(t, ids, order)
	})

	t.Run("conditional update", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		req := NewRequest("zone-a", queue.PriorityNormal, 0)
		require.NoError(t, b.Enqueue(ctx, req))

		_, err := b.UpdateRequest(ctx, req.ID, queue.Patch{}.
			OnlyIf(queue.StatusProcessing).
			WithStatus(queue.StatusCompleted))
		require.ErrorIs(t, err, queue.ErrStatusConflict)

		got, err := b.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, got.Status)

		claimed, err := b.UpdateRequest(ctx, req.ID, queue.Patch{}.
			OnlyIf(queue.StatusPending).
			WithStatus(queue.StatusProcessing))
		require.NoError(t, err)
		assert.Equal(t, queue.StatusProcessing, claimed.Status)

		_, err = b.Dequeue(ctx, "")
		assert.ErrorIs(t, err, queue.ErrNoRequest)

		_, err = b.UpdateRequest(ctx, req.ID, queue.Patch{}.
			OnlyIf(queue.StatusPending).
			WithStatus(queue.StatusProcessing))
		require.ErrorIs(t, err, queue.ErrStatusConflict)

		_, err = b.UpdateRequest(ctx, req.ID, queue.Patch{}.WithStatus(queue.StatusCancelled))
		require.NoError(t, err)

		_, err = b.UpdateRequest(ctx, req.ID, queue.Patch{}.
			OnlyIf(queue.StatusProcessing).
			WithStatus(queue.StatusCompleted))
		require.ErrorIs(t, err, queue.ErrStatusConflict)

		got, err = b.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, got.Status)
	})

	t.Run("scheduled requests wait", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		later := NewRequest("zone-a", queue.PriorityMax, 0)
		at := time.Now().Add(time.Hour)
		later.ScheduledAt = &at
		require.NoError(t, b.Enqueue(ctx, later))

		now := NewRequest("zone-a", queue.PriorityLow, 1)
		require.NoError(t, b.Enqueue(ctx, now))

		got, err := b.Dequeue(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, now.ID, got.ID)

		_, err = b.Dequeue(ctx, "")
		assert.ErrorIs(t, err, queue.ErrNoRequest)

		past := time.Now().Add(-time.Second)
		_, err = b.UpdateRequest(ctx, later.ID, queue.Patch{}.WithSchedule(past))
		require.NoError(t, err)

		got, err = b.Dequeue(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, later.ID, got.ID)
	})

	t.Run("zone scoped dequeue", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		a := NewRequest("zone-a", queue.PriorityMax, 0)
		c := NewRequest("zone-b", queue.PriorityLow, 1)
		require.NoError(t, b.Enqueue(ctx, a))
		require.NoError(t, b.Enqueue(ctx, c))

		got, err := b.Dequeue(ctx, "zone-b")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)

		_, err = b.Dequeue(ctx, "zone-b")
		assert.ErrorIs(t, err, queue.ErrNoRequest)

		size, err := b.Size(ctx, "zone-a")
		require.NoError(t, err)
		assert.Equal(t, 1, size)
	})

	t.Run("update returns request to pending", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		req := NewRequest("zone-a", queue.PriorityNormal, 0)
		require.NoError(t, b.Enqueue(ctx, req))

		claimed, err := b.Dequeue(ctx, "")
		require.NoError(t, err)
		require.Equal(t, req.ID, claimed.ID)

		attempt := queue.Attempt{
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			Duration:  time.Second,
			Outcome:   queue.StatusFailed,
			Error:     "boom",
		}
		updated, err := b.UpdateRequest(ctx, req.ID, queue.Patch{}.
			WithStatus(queue.StatusPending).
			WithRetryCount(1).
			WithError("boom").
			WithAttempt(attempt))
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, updated.Status)
		assert.Equal(t, 1, updated.RetryCount)
		assert.Equal(t, "boom", updated.LastError)
		require.Len(t, updated.History, 1)
		assert.Equal(t, "boom", updated.History[0].Error)

		again, err := b.Dequeue(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, req.ID, again.ID)
		assert.Equal(t, 1, again.RetryCount)

		_, err = b.UpdateRequest(ctx, uuid.NewString(), queue.Patch{}.WithStatus(queue.StatusFailed))
		assert.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("size ignores terminal requests", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		for i := range 3 {
			require.NoError(t, b.Enqueue(ctx, NewRequest("zone-a", queue.PriorityNormal, i)))
		}
		done := NewRequest("zone-b", queue.PriorityNormal, 4)
		require.NoError(t, b.Enqueue(ctx, done))
		_, err := b.UpdateRequest(ctx, done.ID, queue.Patch{}.WithStatus(queue.StatusCompleted))
		require.NoError(t, err)

		size, err := b.Size(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, size)

		size, err = b.Size(ctx, "zone-b")
		require.NoError(t, err)
		assert.Equal(t, 0, size)
	})

	t.Run("remove", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		req := NewRequest("zone-a", queue.PriorityNormal, 0)
		require.NoError(t, b.Enqueue(ctx, req))

		ok, err := b.Remove(ctx, req.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Remove(ctx, req.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = b.Dequeue(ctx, "")
		assert.ErrorIs(t, err, queue.ErrNoRequest)
	})

	t.Run("clear by zone", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		require.NoError(t, b.Enqueue(ctx, NewRequest("zone-a", queue.PriorityNormal, 0)))
		require.NoError(t, b.Enqueue(ctx, NewRequest("zone-a", queue.PriorityNormal, 1)))
		keep := NewRequest("zone-b", queue.PriorityNormal, 2)
		require.NoError(t, b.Enqueue(ctx, keep))

		removed, err := b.Clear(ctx, "zone-a")
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		got, err := b.Dequeue(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, keep.ID, got.ID)

		removed, err = b.Clear(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		size, err := b.Size(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("get requests with filter", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		low := NewRequest("zone-a", queue.PriorityLow, 0)
		high := NewRequest("zone-a", queue.PriorityHigh, 1)
		other := NewRequest("zone-b", queue.PriorityCritical, 2)
		other.GroupID = "g1"
		for _, r := range []*queue.Request{low, high, other} {
			require.NoError(t, b.Enqueue(ctx, r))
		}

		got, err := b.GetRequests(ctx, queue.Filter{Zones: []string{"zone-a"}})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, low.ID, got[0].ID)
		assert.Equal(t, high.ID, got[1].ID)

		got, err = b.GetRequests(ctx, queue.Filter{SortBy: queue.SortByPriority, Descending: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, other.ID, got[0].ID)
		assert.Equal(t, high.ID, got[1].ID)

		got, err = b.GetRequests(ctx, queue.Filter{GroupID: "g1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, other.ID, got[0].ID)

		minP := queue.PriorityHigh
		got, err = b.GetRequests(ctx, queue.Filter{MinPriority: &minP, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, other.ID, got[0].ID)
	})

	t.Run("batches", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		now := time.Now().UTC().Truncate(time.Millisecond)
		collecting := &queue.Batch{
			ID: uuid.NewString(), Key: "k1", Zone: "zone-a", Endpoint: "/tickets", Verb: "POST",
			Priority: queue.PriorityNormal, Requests: []string{"r1"}, MaxSize: 10,
			Timeout: time.Second, Status: queue.BatchCollecting, CreatedAt: now,
		}
		ready := &queue.Batch{
			ID: uuid.NewString(), Key: "k2", Zone: "zone-a", Endpoint: "/tickets", Verb: "POST",
			Priority: queue.PriorityHigh, Requests: []string{"r2", "r3"}, MaxSize: 10,
			Timeout: time.Second, Status: queue.BatchReady, CreatedAt: now, ReadyAt: &now,
		}
		require.NoError(t, b.StoreBatch(ctx, collecting))
		require.NoError(t, b.StoreBatch(ctx, ready))

		got, err := b.GetReadyBatches(ctx, "zone-a")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ready.ID, got[0].ID)
		assert.Equal(t, []string{"r2", "r3"}, got[0].Requests)

		status := queue.BatchReady
		require.NoError(t, b.UpdateBatch(ctx, collecting.ID, queue.BatchPatch{Status: &status, ReadyAt: &now}))

		got, err = b.GetReadyBatches(ctx, "")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ready.ID, got[0].ID)

		dispatched := queue.BatchDispatched
		require.NoError(t, b.UpdateBatch(ctx, ready.ID, queue.BatchPatch{Status: &dispatched, DispatchedAt: &now}))
		got, err = b.GetReadyBatches(ctx, "")
		require.NoError(t, err)
		assert.Len(t, got, 1)

		err = b.UpdateBatch(ctx, uuid.NewString(), queue.BatchPatch{Status: &status})
		assert.ErrorIs(t, err, queue.ErrBatchNotFound)
	})

	t.Run("metrics", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		require.NoError(t, b.Enqueue(ctx, NewRequest("zone-a", queue.PriorityCritical, 0)))
		require.NoError(t, b.Enqueue(ctx, NewRequest("zone-b", queue.PriorityLow, 1)))
		failed := NewRequest("zone-b", queue.PriorityLow, 2)
		failed.Status = queue.StatusFailed
		require.NoError(t, b.Enqueue(ctx, failed))

		m, err := b.GetMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, m.Total)
		assert.Equal(t, 2, m.ByStatus[queue.StatusPending])
		assert.Equal(t, 1, m.ByStatus[queue.StatusFailed])
		assert.Equal(t, 1, m.ByZone["zone-a"])
		assert.Equal(t, 1, m.ByZone["zone-b"])
		assert.Equal(t, 1, m.ByBand[queue.BandCritical])
		assert.False(t, m.OldestPending.IsZero())
	})

	t.Run("maintenance purges old terminal requests", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		old := NewRequest("zone-a", queue.PriorityNormal, 0)
		old.Status = queue.StatusCompleted
		old.UpdatedAt = time.Now().Add(-48 * time.Hour)
		require.NoError(t, b.Enqueue(ctx, old))

		fresh := NewRequest("zone-a", queue.PriorityNormal, 1)
		fresh.Status = queue.StatusCompleted
		fresh.UpdatedAt = time.Now()
		require.NoError(t, b.Enqueue(ctx, fresh))

		live := NewRequest("zone-a", queue.PriorityNormal, 2)
		require.NoError(t, b.Enqueue(ctx, live))

		res, err := b.Maintenance(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RemovedRequests)

		_, err = b.GetRequest(ctx, old.ID)
		assert.ErrorIs(t, err, queue.ErrNotFound)
		_, err = b.GetRequest(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = b.GetRequest(ctx, live.ID)
		assert.NoError(t, err)
	})

	t.Run("concurrent dequeue claims once", func(t *testing.T) {
		ctx := context.Background()
		b := factory(t)

		const total = 40
		for i := range total {
			require.NoError(t, b.Enqueue(ctx, NewRequest(fmt.Sprintf("zone-%d", i%3), queue.PriorityNormal, i)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					req, err := b.Dequeue(ctx, "")
					if err != nil {
						return
					}
					mu.Lock()
					seen[req.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "request %s claimed more than once", id)
		}
	})

	t.Run("ping", func(t *testing.T) {
		b := factory(t)
		assert.NoError(t, b.Ping(context.Background()))
	})
}
