package queue_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	terminal := map[queue.Status]bool{
		queue.StatusPending:    false,
		queue.StatusProcessing: false,
		queue.StatusRetrying:   false,
		queue.StatusCompleted:  true,
		queue.StatusFailed:     true,
		queue.StatusExpired:    true,
		queue.StatusCancelled:  true,
	}
	for _, s := range queue.AllStatuses {
		assert.Equal(t, terminal[s], s.Terminal(), string(s))
	}
}

func TestPriority_Band(t *testing.T) {
	t.Parallel()

	tests := []struct {
		priority queue.Priority
		band     queue.Band
	}{
		{0, queue.BandLow},
		{49, queue.BandLow},
		{50, queue.BandNormal},
		{75, queue.BandHigh},
		{89, queue.BandHigh},
		{90, queue.BandCritical},
		{100, queue.BandCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.priority), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.band, tt.priority.Band())
		})
	}

	assert.True(t, queue.Priority(0).Valid())
	assert.True(t, queue.Priority(100).Valid())
	assert.False(t, queue.Priority(101).Valid())
	assert.False(t, queue.Priority(-1).Valid())
}

func TestRequest_DueAndExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	req := &queue.Request{CreatedAt: now.Add(-time.Minute), Timeout: 30 * time.Second}
	assert.True(t, req.Due(now))
	assert.True(t, req.Expired(now))

	later := now.Add(time.Second)
	req.ScheduledAt = &later
	assert.False(t, req.Due(now))
	assert.Equal(t, later, req.ReadyAt())

	req.Timeout = 0
	assert.False(t, req.Expired(now))
}

func TestPatch_Apply(t *testing.T) {
	t.Parallel()

	now := time.Now()
	at := now.Add(time.Minute)
	req := &queue.Request{Status: queue.StatusProcessing, ScheduledAt: &at}

	queue.Patch{ClearSchedule: true, Metadata: map[string]any{"k": "v"}}.
		WithStatus(queue.StatusPending).
		WithRetryCount(2).
		WithError("failed").
		WithAttempt(queue.Attempt{Outcome: queue.StatusFailed}).
		Apply(req, now)

	assert.Equal(t, queue.StatusPending, req.Status)
	assert.Nil(t, req.ScheduledAt)
	assert.Equal(t, 2, req.RetryCount)
	assert.Equal(t, "failed", req.LastError)
	assert.Len(t, req.History, 1)
	assert.Equal(t, "v", req.Metadata["k"])
	assert.Equal(t, now, req.UpdatedAt)
}

func TestPatch_OnlyIf(t *testing.T) {
	t.Parallel()

	var unguarded queue.Patch
	assert.True(t, unguarded.Allows(queue.StatusCompleted))

	p := queue.Patch{}.OnlyIf(queue.StatusPending, queue.StatusRetrying)
	assert.True(t, p.Allows(queue.StatusPending))
	assert.True(t, p.Allows(queue.StatusRetrying))
	assert.False(t, p.Allows(queue.StatusCancelled))
}

func TestFilter_DueAt(t *testing.T) {
	t.Parallel()

	now := time.Now()
	later := now.Add(time.Minute)
	ready := &queue.Request{ID: "ready", CreatedAt: now.Add(-time.Second)}
	held := &queue.Request{ID: "held", CreatedAt: now.Add(-time.Second), ScheduledAt: &later}

	assert.Len(t, queue.Filter{}.Apply([]*queue.Request{ready, held}), 2)

	due := queue.Filter{DueAt: now}.Apply([]*queue.Request{ready, held})
	if assert.Len(t, due, 1) {
		assert.Equal(t, "ready", due[0].ID)
	}
	assert.Len(t, queue.Filter{DueAt: later}.Apply([]*queue.Request{ready, held}), 2)
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad request")
	err := fmt.Errorf("processor: %w", queue.Permanent(base))

	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, queue.IsPermanent(base))
	assert.NoError(t, queue.Permanent(nil))
}

func TestBefore(t *testing.T) {
	t.Parallel()

	now := time.Now()
	high := &queue.Request{Priority: 80, CreatedAt: now}
	lowOld := &queue.Request{Priority: 10, CreatedAt: now.Add(-time.Hour)}
	lowNew := &queue.Request{Priority: 10, CreatedAt: now}

	assert.True(t, queue.Before(high, lowOld))
	assert.True(t, queue.Before(lowOld, lowNew))
	assert.False(t, queue.Before(lowNew, lowOld))
}
