package manager

import (
	"sync"
	"time"
)

type outcome struct {
	at      time.Time
	success bool
}

// tracker accumulates processing statistics. Throughput and error rate are
// computed over a trailing window; wait and processing times are running means.
type tracker struct {
	mu       sync.Mutex
	window   time.Duration
	outcomes []outcome

	waitSum   time.Duration
	waitCount int64
	procSum   time.Duration
	procCount int64

	completed int64
	failed    int64
	retried   int64
	expired   int64
	cancelled int64

	lastProcessed time.Time
}

type trackerSnapshot struct {
	throughput    float64
	errorRate     float64
	avgWait       time.Duration
	avgProcessing time.Duration
	completed     int64
	failed        int64
	retried       int64
	expired       int64
	cancelled     int64
	lastProcessed time.Time
}

func newTracker(window time.Duration) *tracker {
	return &tracker{window: window}
}

func (t *tracker) observeWait(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitSum += max(d, 0)
	t.waitCount++
}

// observe records the result of one processing attempt.
func (t *tracker) observe(now time.Time, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outcomes = append(t.outcomes, outcome{at: now, success: success})
	t.pruneLocked(now)
	t.procSum += max(latency, 0)
	t.procCount++
	t.lastProcessed = now
	if success {
		t.completed++
	}
}

func (t *tracker) fail() {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()
}

func (t *tracker) retry() {
	t.mu.Lock()
	t.retried++
	t.mu.Unlock()
}

func (t *tracker) expire() {
	t.mu.Lock()
	t.expired++
	t.mu.Unlock()
}

func (t *tracker) cancel() {
	t.mu.Lock()
	t.cancelled++
	t.mu.Unlock()
}

func (t *tracker) snapshot(now time.Time) trackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)
	s := trackerSnapshot{
		completed:     t.completed,
		failed:        t.failed,
		retried:       t.retried,
		expired:       t.expired,
		cancelled:     t.cancelled,
		lastProcessed: t.lastProcessed,
	}

	var failures int
	for _, o := range t.outcomes {
		if !o.success {
			failures++
		}
	}
	if n := len(t.outcomes); n > 0 {
		s.errorRate = float64(failures) / float64(n)
		s.throughput = float64(n-failures) / t.window.Seconds()
	}
	if t.waitCount > 0 {
		s.avgWait = t.waitSum / time.Duration(t.waitCount)
	}
	if t.procCount > 0 {
		s.avgProcessing = t.procSum / time.Duration(t.procCount)
	}
	return s
}

func (t *tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.outcomes) && t.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.outcomes = append(t.outcomes[:0], t.outcomes[i:]...)
	}
}
