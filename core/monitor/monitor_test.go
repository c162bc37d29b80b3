package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/core/monitor"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

type source struct {
	mu      sync.Mutex
	metrics queue.Metrics
	health  queue.Health
	err     error
}

func newSource() *source {
	return &source{health: queue.Health{Status: queue.HealthHealthy}}
}

func (s *source) set(fn func(m *queue.Metrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.metrics)
}

func (s *source) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *source) GetMetrics(context.Context) (queue.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics, s.err
}

func (s *source) GetHealth(context.Context) (queue.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, nil
}

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), step: 10 * time.Second}
}

type alertLog struct {
	mu       sync.Mutex
	raised   []monitor.Alert
	resolved []monitor.Alert
}

func (l *alertLog) record(a monitor.Alert, resolved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if resolved {
		l.resolved = append(l.resolved, a)
		return
	}
	l.raised = append(l.raised, a)
}

func TestNew_NilSource(t *testing.T) {
	t.Parallel()

	_, err := monitor.New(nil)
	assert.ErrorIs(t, err, monitor.ErrSourceNil)
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	src := newSource()
	m, err := monitor.New(src, monitor.WithHistorySize(3), monitor.WithClock(newStepClock().Now))
	require.NoError(t, err)

	for i := range 5 {
		src.set(func(mt *queue.Metrics) { mt.Pending = i })
		_, err := m.Sample(context.Background())
		require.NoError(t, err)
	}

	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, 2, h[0].Metrics.Pending)
	assert.Equal(t, 4, h[2].Metrics.Pending)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 4, latest.Metrics.Pending)
	assert.Equal(t, int64(5), m.Stats().Samples)
}

func TestMonitor_Alerts(t *testing.T) {
	t.Parallel()

	src := newSource()
	log := &alertLog{}
	m, err := monitor.New(src, monitor.WithClock(newStepClock().Now), monitor.WithOnAlert(log.record))
	require.NoError(t, err)
	ctx := context.Background()

	src.set(func(mt *queue.Metrics) { mt.Utilization = 0.85 })
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, monitor.RuleUtilization, active[0].Rule)
	assert.Equal(t, monitor.SeverityWarning, active[0].Severity)

	// Still firing at the same severity: raised only once.
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	assert.Len(t, log.raised, 1)

	// Escalation is reported again.
	src.set(func(mt *queue.Metrics) { mt.Utilization = 0.97 })
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	require.Len(t, log.raised, 2)
	assert.Equal(t, monitor.SeverityCritical, log.raised[1].Severity)

	src.set(func(mt *queue.Metrics) {
		mt.Utilization = 0.1
		mt.ErrorRate = 0.3
		mt.AvgWaitTime = time.Minute
		mt.AvgProcessingTime = 11 * time.Second
	})
	_, err = m.Sample(ctx)
	require.NoError(t, err)

	rules := make([]string, 0)
	for _, a := range m.ActiveAlerts() {
		rules = append(rules, a.Rule)
	}
	assert.Equal(t, []string{monitor.RuleErrorRate, monitor.RuleProcessingTime, monitor.RuleWaitTime}, rules)
	require.Len(t, log.resolved, 1)
	assert.Equal(t, monitor.RuleUtilization, log.resolved[0].Rule)

	src.set(func(mt *queue.Metrics) { *mt = queue.Metrics{} })
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	assert.Empty(t, m.ActiveAlerts())
	assert.Len(t, log.resolved, 4)
}

func TestMonitor_ThroughputDrop(t *testing.T) {
	t.Parallel()

	src := newSource()
	m, err := monitor.New(src, monitor.WithClock(newStepClock().Now))
	require.NoError(t, err)
	ctx := context.Background()

	src.set(func(mt *queue.Metrics) { mt.Throughput = 10 })
	for range 5 {
		_, err = m.Sample(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, m.ActiveAlerts())

	src.set(func(mt *queue.Metrics) { mt.Throughput = 4 })
	_, err = m.Sample(ctx)
	require.NoError(t, err)

	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, monitor.RuleThroughputDrop, active[0].Rule)
	assert.InDelta(t, 5.0, active[0].Threshold, 0.0001)
}

func TestMonitor_HealthAlert(t *testing.T) {
	t.Parallel()

	src := newSource()
	src.health = queue.Health{Status: queue.HealthOffline}
	m, err := monitor.New(src)
	require.NoError(t, err)

	_, err = m.Sample(context.Background())
	require.NoError(t, err)
	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, monitor.RuleHealth, active[0].Rule)
	assert.Equal(t, monitor.SeverityCritical, active[0].Severity)
}

func TestMonitor_TrendAndForecast(t *testing.T) {
	t.Parallel()

	src := newSource()
	m, err := monitor.New(src, monitor.WithClock(newStepClock().Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Trend(monitor.MetricUtilization)
	assert.ErrorIs(t, err, monitor.ErrInsufficientData)
	_, err = m.Trend("bogus")
	assert.ErrorIs(t, err, monitor.ErrUnknownMetric)

	// Utilization grows by 0.1 every 10s: 0.01 per second.
	for i := range 5 {
		src.set(func(mt *queue.Metrics) {
			mt.Utilization = 0.1 * float64(i)
			mt.Throughput = 3
		})
		_, err = m.Sample(ctx)
		require.NoError(t, err)
	}

	tr, err := m.Trend(monitor.MetricUtilization)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, tr.Slope, 1e-9)
	assert.InDelta(t, 1.0, tr.R2, 1e-9)
	assert.Equal(t, monitor.DirectionIncreasing, tr.Direction)
	assert.Equal(t, 5, tr.Samples)
	assert.Equal(t, 40*time.Second, tr.Span)

	flat, err := m.Trend(monitor.MetricThroughput)
	require.NoError(t, err)
	assert.Equal(t, monitor.DirectionStable, flat.Direction)

	f, err := m.Forecast(time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, f.CurrentUtilization, 1e-9)
	assert.InDelta(t, 1.0, f.ProjectedUtilization, 1e-9)
	require.NotNil(t, f.TimeToSaturation)
	assert.InDelta(t, float64(60*time.Second), float64(*f.TimeToSaturation), float64(time.Millisecond))
	assert.NotEmpty(t, f.Recommendation)
}

func TestMonitor_SourceFailuresAreCounted(t *testing.T) {
	t.Parallel()

	src := newSource()
	src.fail(errors.New("backend down"))
	m, err := monitor.New(src)
	require.NoError(t, err)

	_, err = m.Sample(context.Background())
	require.Error(t, err)

	st := m.Stats()
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, "backend down", st.LastError)
	assert.Empty(t, m.History())
}

func TestMonitor_Lifecycle(t *testing.T) {
	t.Parallel()

	src := newSource()
	m, err := monitor.New(src, monitor.WithInterval(5*time.Millisecond))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Stop(), monitor.ErrMonitorNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx)() }()

	require.Eventually(t, func() bool { return m.Stats().Samples >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	assert.NoError(t, <-errCh)
}
