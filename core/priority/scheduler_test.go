package priority_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/core/priority"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func req(id, endpoint string, p queue.Priority, age time.Duration) *queue.Request {
	return &queue.Request{
		ID:        id,
		Endpoint:  endpoint,
		Zone:      "z",
		Priority:  p,
		CreatedAt: base.Add(-age),
		Status:    queue.StatusPending,
	}
}

func ids(rs []*queue.Request) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func fixedClock() time.Time { return base }

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := priority.ParseStrategy("weighted")
	require.NoError(t, err)
	assert.Equal(t, priority.StrategyWeighted, s)

	_, err = priority.ParseStrategy("random")
	assert.ErrorIs(t, err, queue.ErrConfiguration)

	assert.Equal(t, priority.StrategyPriority, priority.New("bogus").Strategy())
}

func TestScheduler_SelectNext(t *testing.T) {
	t.Parallel()

	candidates := []*queue.Request{
		req("old-low", "/a", queue.PriorityLow, 10*time.Minute),
		req("mid-high", "/a", queue.PriorityHigh, 5*time.Minute),
		req("new-normal", "/a", queue.PriorityNormal, time.Second),
		req("old-high", "/a", queue.PriorityHigh, 8*time.Minute),
	}

	tests := []struct {
		name     string
		strategy priority.Strategy
		want     []string
	}{
		{"fifo", priority.StrategyFIFO, []string{"old-low", "old-high", "mid-high", "new-normal"}},
		{"lifo", priority.StrategyLIFO, []string{"new-normal", "mid-high", "old-high", "old-low"}},
		{"priority", priority.StrategyPriority, []string{"old-high", "mid-high", "new-normal", "old-low"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := priority.New(tt.strategy, priority.WithClock(fixedClock))
			assert.Equal(t, tt.want, ids(s.Order(candidates)))
			assert.Equal(t, tt.want[0], s.SelectNext(candidates).ID)
		})
	}

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, priority.New(priority.StrategyPriority).SelectNext(nil))
	})
}

func TestScheduler_NanosecondCreationOrder(t *testing.T) {
	t.Parallel()

	// Float64 UnixNano around 2024 has a 256ns resolution, so these times
	// would collapse into one score.
	candidates := make([]*queue.Request, 0, 5)
	for _, n := range []int{3, 0, 4, 1, 2} {
		r := req(string(rune('a'+n)), "/a", queue.PriorityNormal, 0)
		r.CreatedAt = base.Add(time.Duration(n) * time.Nanosecond)
		candidates = append(candidates, r)
	}

	fifo := priority.New(priority.StrategyFIFO, priority.WithClock(fixedClock))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(fifo.Order(candidates)))

	lifo := priority.New(priority.StrategyLIFO, priority.WithClock(fixedClock))
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids(lifo.Order(candidates)))
}

func TestScheduler_WeightedAging(t *testing.T) {
	t.Parallel()

	s := priority.New(priority.StrategyWeighted, priority.WithClock(fixedClock), priority.WithAging(0.1))

	// 30 points of aging lift a low request above a fresh normal one.
	starving := req("starving", "/a", queue.PriorityLow, 300*time.Second)
	fresh := req("fresh", "/a", queue.PriorityNormal, 0)
	assert.Equal(t, "starving", s.SelectNext([]*queue.Request{fresh, starving}).ID)

	// Less waiting is not enough.
	waiting := req("waiting", "/a", queue.PriorityLow, 100*time.Second)
	assert.Equal(t, "fresh", s.SelectNext([]*queue.Request{fresh, waiting}).ID)

	t.Run("scheduled requests age from their schedule", func(t *testing.T) {
		t.Parallel()

		at := base.Add(-10 * time.Second)
		delayed := req("delayed", "/a", queue.PriorityLow, time.Hour)
		delayed.ScheduledAt = &at
		assert.Equal(t, "fresh", s.SelectNext([]*queue.Request{fresh, delayed}).ID)
	})

	t.Run("aging is capped", func(t *testing.T) {
		t.Parallel()

		ancient := req("ancient", "/a", queue.PriorityLow, 24*time.Hour)
		maxed := req("maxed", "/a", queue.PriorityMax, 0)
		// Equal capped scores fall back to age.
		assert.Equal(t, "ancient", s.SelectNext([]*queue.Request{maxed, ancient}).ID)
	})
}

func TestScheduler_Adaptive(t *testing.T) {
	t.Parallel()

	s := priority.New(priority.StrategyAdaptive,
		priority.WithClock(fixedClock),
		priority.WithMinSamples(5),
		priority.WithLatencyReference(100*time.Millisecond),
	)

	healthy := req("healthy", "/fast", queue.PriorityNormal, time.Second)
	flaky := req("flaky", "/flaky", queue.PriorityHigh, time.Second)

	// Without samples it behaves like strict priority.
	assert.Equal(t, "flaky", s.SelectNext([]*queue.Request{healthy, flaky}).ID)

	for range 10 {
		s.RecordOutcome("/fast", true, 50*time.Millisecond)
		s.RecordOutcome("/flaky", false, 2*time.Second)
	}

	st, ok := s.Stats("/flaky")
	require.True(t, ok)
	assert.Equal(t, 10, st.Samples)
	assert.Less(t, st.SuccessRate, 0.2)

	assert.Equal(t, "healthy", s.SelectNext([]*queue.Request{healthy, flaky}).ID)

	t.Run("critical keeps precedence", func(t *testing.T) {
		t.Parallel()

		critical := req("critical", "/flaky", queue.PriorityCritical, time.Second)
		assert.Equal(t, "critical", s.SelectNext([]*queue.Request{healthy, critical}).ID)
	})

	_, ok = s.Stats("/unknown")
	assert.False(t, ok)
}
