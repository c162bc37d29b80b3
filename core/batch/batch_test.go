package batch_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/core/batch"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

type readySink struct {
	mu      sync.Mutex
	batches []*queue.Batch
	reasons []batch.Reason
}

func (s *readySink) onReady(b *queue.Batch, reason batch.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	s.reasons = append(s.reasons, reason)
}

func (s *readySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *readySink) last() (*queue.Batch, batch.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[len(s.batches)-1], s.reasons[len(s.reasons)-1]
}

func newReq(i int, p queue.Priority) *queue.Request {
	return &queue.Request{
		ID:          fmt.Sprintf("req-%d", i),
		Zone:        "eu",
		Endpoint:    "/tickets",
		Verb:        "post",
		Priority:    p,
		Fingerprint: fmt.Sprintf("v1:%032d", i),
		Batchable:   true,
	}
}

func TestManager_DispatchesWhenFull(t *testing.T) {
	t.Parallel()

	sink := &readySink{}
	m := batch.New(batch.WithMaxSize(10), batch.WithTimeout(time.Hour), batch.WithOnReady(sink.onReady))

	var first *queue.Batch
	for i := range 9 {
		b, ready := m.Add(newReq(i, queue.PriorityNormal))
		require.False(t, ready)
		if first == nil {
			first = b
		}
		assert.Equal(t, first.ID, b.ID)
	}
	assert.Zero(t, sink.count())

	b, ready := m.Add(newReq(9, queue.PriorityNormal))
	require.True(t, ready)
	assert.Len(t, b.Requests, 10)
	assert.Equal(t, queue.BatchReady, b.Status)
	require.NotNil(t, b.ReadyAt)

	require.Equal(t, 1, sink.count())
	got, reason := sink.last()
	assert.Equal(t, batch.ReasonFull, reason)
	assert.Equal(t, b.ID, got.ID)

	// The next request opens a fresh batch.
	next, _ := m.Add(newReq(10, queue.PriorityNormal))
	assert.NotEqual(t, b.ID, next.ID)
}

func TestManager_DispatchesOnTimeout(t *testing.T) {
	t.Parallel()

	sink := &readySink{}
	m := batch.New(batch.WithMaxSize(10), batch.WithTimeout(20*time.Millisecond), batch.WithOnReady(sink.onReady))

	m.Add(newReq(1, queue.PriorityNormal))
	m.Add(newReq(2, queue.PriorityNormal))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	b, reason := sink.last()
	assert.Equal(t, batch.ReasonTimeout, reason)
	assert.Equal(t, []string{"req-1", "req-2"}, b.Requests)
	assert.Zero(t, m.Stats().Open)
}

func TestManager_PriorityTriggers(t *testing.T) {
	t.Parallel()

	t.Run("critical dispatches immediately", func(t *testing.T) {
		t.Parallel()

		sink := &readySink{}
		m := batch.New(batch.WithMaxSize(10), batch.WithTimeout(time.Hour), batch.WithOnReady(sink.onReady))

		b, ready := m.Add(newReq(1, queue.PriorityCritical))
		require.True(t, ready)
		assert.Len(t, b.Requests, 1)
		_, reason := sink.last()
		assert.Equal(t, batch.ReasonCritical, reason)
	})

	t.Run("high priority past half capacity", func(t *testing.T) {
		t.Parallel()

		sink := &readySink{}
		m := batch.New(
			batch.WithMaxSize(4),
			batch.WithTimeout(time.Hour),
			batch.WithPriorityBands(false),
			batch.WithOnReady(sink.onReady),
		)

		_, ready := m.Add(newReq(1, queue.PriorityNormal))
		require.False(t, ready)
		_, ready = m.Add(newReq(2, queue.PriorityHigh))
		require.False(t, ready, "two of four is not past half")

		b, ready := m.Add(newReq(3, queue.PriorityHigh))
		require.True(t, ready)
		assert.Equal(t, queue.PriorityHigh, b.Priority)
		_, reason := sink.last()
		assert.Equal(t, batch.ReasonHighPriority, reason)
	})
}

func TestManager_Keying(t *testing.T) {
	t.Parallel()

	m := batch.New(batch.WithTimeout(time.Hour))

	a := newReq(1, queue.PriorityNormal)
	b := newReq(2, queue.PriorityLow)
	c := newReq(3, queue.PriorityNormal)
	c.Zone = "us"
	d := newReq(4, queue.PriorityNormal)
	d.Verb = "POST"

	assert.NotEqual(t, m.Key(a), m.Key(b))
	assert.NotEqual(t, m.Key(a), m.Key(c))
	assert.Equal(t, m.Key(a), m.Key(d))
	assert.Equal(t, "eu|/tickets|POST|normal", m.Key(a))

	flat := batch.New(batch.WithPriorityBands(false))
	assert.Equal(t, flat.Key(a), flat.Key(b))
}

func TestManager_DropsDuplicateFingerprints(t *testing.T) {
	t.Parallel()

	m := batch.New(batch.WithMaxSize(3), batch.WithTimeout(time.Hour))

	first := newReq(1, queue.PriorityNormal)
	dup := newReq(2, queue.PriorityNormal)
	dup.Fingerprint = first.Fingerprint

	m.Add(first)
	b, ready := m.Add(dup)
	assert.False(t, ready)
	assert.Equal(t, []string{"req-1"}, b.Requests)
	assert.Equal(t, int64(1), m.Stats().Duplicates)
}

func TestManager_Duplicate(t *testing.T) {
	t.Parallel()

	m := batch.New(batch.WithMaxSize(5), batch.WithTimeout(time.Hour))

	first := newReq(1, queue.PriorityNormal)
	dup := newReq(2, queue.PriorityNormal)
	dup.Fingerprint = first.Fingerprint

	_, ok := m.Duplicate(dup)
	assert.False(t, ok, "no open batch yet")

	m.Add(first)
	id, ok := m.Duplicate(dup)
	require.True(t, ok)
	assert.Equal(t, "req-1", id)

	_, ok = m.Duplicate(newReq(3, queue.PriorityNormal))
	assert.False(t, ok)

	m.Add(newReq(4, queue.PriorityNormal))
	require.True(t, m.Remove("req-1"))
	_, ok = m.Duplicate(dup)
	assert.False(t, ok, "removed member no longer owns its fingerprint")

	b, _ := m.Add(dup)
	assert.Equal(t, []string{"req-4", "req-2"}, b.Requests)
}

func TestManager_AdaptiveSizing(t *testing.T) {
	t.Parallel()

	m := batch.New(batch.WithMaxSize(10), batch.WithTimeout(time.Second))

	assert.Equal(t, 10, m.MaxSize())
	assert.Equal(t, time.Second, m.Timeout())

	m.UpdateLoad(1)
	assert.Equal(t, 5, m.MaxSize())
	assert.Equal(t, 500*time.Millisecond, m.Timeout())

	m.UpdateLoad(0)
	assert.Equal(t, 15, m.MaxSize())
	assert.Equal(t, 1500*time.Millisecond, m.Timeout())

	m.UpdateLoad(-3)
	assert.Equal(t, 15, m.MaxSize())
	assert.InDelta(t, 0.0, m.Stats().Load, 0.0001)

	small := batch.New(batch.WithMaxSize(1))
	small.UpdateLoad(1)
	assert.Equal(t, 1, small.MaxSize())
}

func TestManager_RemoveAndFlush(t *testing.T) {
	t.Parallel()

	sink := &readySink{}
	m := batch.New(batch.WithMaxSize(10), batch.WithTimeout(time.Hour), batch.WithOnReady(sink.onReady))

	m.Add(newReq(1, queue.PriorityNormal))
	m.Add(newReq(2, queue.PriorityNormal))
	other := newReq(3, queue.PriorityNormal)
	other.Zone = "us"
	m.Add(other)

	assert.True(t, m.Remove("req-1"))
	assert.False(t, m.Remove("req-1"))
	assert.True(t, m.Remove("req-3"))
	assert.Equal(t, 1, m.Stats().Open, "emptied batch is discarded")

	flushed := m.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"req-2"}, flushed[0].Requests)
	_, reason := sink.last()
	assert.Equal(t, batch.ReasonFlush, reason)
	assert.Empty(t, m.Flush())
}

func TestManager_Stats(t *testing.T) {
	t.Parallel()

	var created []*queue.Batch
	var mu sync.Mutex
	m := batch.New(
		batch.WithMaxSize(2),
		batch.WithTimeout(time.Hour),
		batch.WithOnCreated(func(b *queue.Batch) {
			mu.Lock()
			defer mu.Unlock()
			created = append(created, b)
		}),
	)

	for i := range 5 {
		m.Add(newReq(i, queue.PriorityLow))
	}

	s := m.Stats()
	assert.Equal(t, int64(3), s.Created)
	assert.Equal(t, int64(2), s.Dispatched)
	assert.Equal(t, 1, s.Open)
	assert.Equal(t, int64(5), s.Members)
	assert.InDelta(t, 5.0/3.0, s.AvgSize, 0.001)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created, 3)
	assert.Equal(t, queue.BatchCollecting, created[0].Status)
}
