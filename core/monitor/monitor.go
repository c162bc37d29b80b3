// Package monitor samples queue metrics on an interval, keeps a bounded
// history, fits trends, raises and clears alerts, and forecasts saturation.
package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

var (
	ErrSourceNil         = errors.New("monitor source is nil")
	ErrInsufficientData  = errors.New("not enough samples")
	ErrMonitorStarted    = errors.New("monitor already started")
	ErrMonitorNotStarted = errors.New("monitor not started")
	ErrUnknownMetric     = errors.New("unknown metric")
)

// Source provides the metrics and health the monitor samples.
type Source interface {
	GetMetrics(ctx context.Context) (queue.Metrics, error)
	GetHealth(ctx context.Context) (queue.Health, error)
}

// Sample is one observation of the queue.
type Sample struct {
	At      time.Time     `json:"at"`
	Metrics queue.Metrics `json:"metrics"`
	Health  queue.Health  `json:"health"`
}

// Forecast projects queue utilization forward.
type Forecast struct {
	Horizon              time.Duration  `json:"horizon"`
	CurrentUtilization   float64        `json:"current_utilization"`
	ProjectedUtilization float64        `json:"projected_utilization"`
	TimeToSaturation     *time.Duration `json:"time_to_saturation,omitempty"`
	Confidence           float64        `json:"confidence"`
	Direction            Direction      `json:"direction"`
	Recommendation       string         `json:"recommendation"`
}

// Stats reports the monitor's own activity.
type Stats struct {
	Samples      int64
	Failures     int64
	AlertsRaised int64
	Active       int
	LastSampleAt time.Time
	LastError    string
}

// Monitor periodically samples a Source.
type Monitor struct {
	source     Source
	interval   time.Duration
	historyMax int
	thresholds Thresholds
	// stableSlope and minR2 decide when a trend counts as moving.
	stableSlope     float64
	minR2           float64
	onAlert         AlertFunc
	shutdownTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu      sync.RWMutex
	history []Sample
	active  map[string]Alert
	stats   Stats

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithHistorySize bounds the number of retained samples.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 1 {
			m.historyMax = n
		}
	}
}

// WithThresholds replaces the alert thresholds.
func WithThresholds(th Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = th
	}
}

// WithTrendSensitivity sets the minimum absolute slope (units per second)
// and goodness of fit for a trend to count as increasing or decreasing.
func WithTrendSensitivity(minSlope, minR2 float64) Option {
	return func(m *Monitor) {
		m.stableSlope = minSlope
		m.minR2 = minR2
	}
}

// WithOnAlert sets the alert callback.
func WithOnAlert(fn AlertFunc) Option {
	return func(m *Monitor) {
		m.onAlert = fn
	}
}

// WithShutdownTimeout sets how long Stop waits for the loop to exit.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.shutdownTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor for source.
func New(source Source, opts ...Option) (*Monitor, error) {
	if source == nil {
		return nil, ErrSourceNil
	}
	m := &Monitor{
		source:          source,
		interval:        10 * time.Second,
		historyMax:      360,
		thresholds:      DefaultThresholds(),
		stableSlope:     0.001,
		minR2:           0.2,
		shutdownTimeout: 5 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
		active:          make(map[string]Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Sample collects one observation, appends it to the history and evaluates
// alert rules. Failures are counted and returned, never fatal to the loop.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	metrics, err := m.source.GetMetrics(ctx)
	if err != nil {
		m.fail(err)
		return Sample{}, fmt.Errorf("collect metrics: %w", err)
	}
	health, err := m.source.GetHealth(ctx)
	if err != nil {
		m.fail(err)
		return Sample{}, fmt.Errorf("collect health: %w", err)
	}

	s := Sample{At: m.now(), Metrics: metrics, Health: health}

	m.mu.Lock()
	fired := m.thresholds.evaluate(s, m.history)
	m.history = append(m.history, s)
	if over := len(m.history) - m.historyMax; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.stats.Samples++
	m.stats.LastSampleAt = s.At

	var raised, resolved []Alert
	seen := make(map[string]struct{}, len(fired))
	for _, a := range fired {
		seen[a.Rule] = struct{}{}
		prev, ok := m.active[a.Rule]
		switch {
		case !ok:
			m.active[a.Rule] = a
			raised = append(raised, a)
		case prev.Severity != a.Severity:
			a.RaisedAt = prev.RaisedAt
			m.active[a.Rule] = a
			raised = append(raised, a)
		default:
			prev.Value = a.Value
			prev.Message = a.Message
			m.active[a.Rule] = prev
		}
	}
	for rule, a := range m.active {
		if _, ok := seen[rule]; !ok {
			delete(m.active, rule)
			resolved = append(resolved, a)
		}
	}
	m.stats.AlertsRaised += int64(len(raised))
	m.stats.Active = len(m.active)
	m.mu.Unlock()

	for _, a := range raised {
		m.logger.Warn("queue alert raised",
			slog.String("rule", a.Rule),
			slog.String("severity", string(a.Severity)),
			slog.String("message", a.Message),
		)
		if m.onAlert != nil {
			m.onAlert(a, false)
		}
	}
	for _, a := range resolved {
		m.logger.Info("queue alert resolved", slog.String("rule", a.Rule))
		if m.onAlert != nil {
			m.onAlert(a, true)
		}
	}

	return s, nil
}

// History returns a copy of the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// ActiveAlerts returns the alerts currently raised, ordered by rule.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Alert) int { return cmp.Compare(a.Rule, b.Rule) })
	return out
}

// Trend fits metric over the retained history.
func (m *Monitor) Trend(metric Metric) (Trend, error) {
	if _, ok := (Sample{}).Value(metric); !ok {
		return Trend{}, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	m.mu.RLock()
	samples := slices.Clone(m.history)
	m.mu.RUnlock()

	if len(samples) < 2 {
		return Trend{}, ErrInsufficientData
	}
	return fitTrend(metric, samples, m.stableSlope, m.minR2), nil
}

// Forecast projects utilization horizon ahead from the utilization trend.
func (m *Monitor) Forecast(horizon time.Duration) (Forecast, error) {
	t, err := m.Trend(MetricUtilization)
	if err != nil {
		return Forecast{}, err
	}

	f := Forecast{
		Horizon:              horizon,
		CurrentUtilization:   t.Latest,
		ProjectedUtilization: max(t.Latest+t.Slope*horizon.Seconds(), 0),
		Confidence:           max(t.R2, 0),
		Direction:            t.Direction,
	}
	if t.Slope > 0 && t.Latest < 1 {
		tts := time.Duration((1 - t.Latest) / t.Slope * float64(time.Second))
		f.TimeToSaturation = &tts
	}
	f.Recommendation = recommend(f, m.thresholds)
	return f, nil
}

// Stats returns the monitor's counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Start runs the sampling loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.cancel != nil {
		m.lifeMu.Unlock()
		return ErrMonitorStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done
	m.lifeMu.Unlock()

	defer close(done)

	m.logger.InfoContext(ctx, "queue monitor started", logger.Duration(m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(context.WithoutCancel(ctx), "queue monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sample(ctx); err != nil {
				m.logger.ErrorContext(ctx, "queue monitor sample failed", logger.Error(err))
			}
		}
	}
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() error {
	m.lifeMu.Lock()
	if m.cancel == nil {
		m.lifeMu.Unlock()
		return ErrMonitorNotStarted
	}
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.lifeMu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(m.shutdownTimeout):
		return fmt.Errorf("shutdown timeout exceeded after %s", m.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (m *Monitor) Run(ctx context.Context) func() error {
	return func() error {
		err := m.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func (m *Monitor) fail(err error) {
	m.mu.Lock()
	m.stats.Failures++
	m.stats.LastError = err.Error()
	m.mu.Unlock()
}

func recommend(f Forecast, th Thresholds) string {
	switch {
	case f.CurrentUtilization >= th.UtilizationCritical:
		return "queue is near capacity: increase concurrency or max queue size, or shed low-priority work"
	case f.ProjectedUtilization >= 1 && f.TimeToSaturation != nil:
		return fmt.Sprintf("queue projected to saturate in %s: increase concurrency or max queue size",
			f.TimeToSaturation.Round(time.Second))
	case f.ProjectedUtilization >= th.UtilizationWarning:
		return "utilization projected above warning level: watch processing throughput"
	case f.Direction == DirectionDecreasing:
		return "load is decreasing"
	}
	return "no action needed"
}
