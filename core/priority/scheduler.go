// Package priority chooses which ready request to dispatch next.
//
// The backend already orders requests by priority then age. The scheduler
// picks among candidate heads, one per zone and priority band, according to
// a strategy: FIFO, LIFO, strict priority, weighted priority with aging, or
// adaptive priority that favours endpoints that are currently healthy and
// fast.
package priority

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Strategy selects the ordering rule.
type Strategy string

const (
	StrategyFIFO     Strategy = "fifo"
	StrategyLIFO     Strategy = "lifo"
	StrategyPriority Strategy = "priority"
	StrategyWeighted Strategy = "weighted"
	StrategyAdaptive Strategy = "adaptive"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFIFO, StrategyLIFO, StrategyPriority, StrategyWeighted, StrategyAdaptive:
		return true
	}
	return false
}

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown priority strategy %q", queue.ErrConfiguration, s)
	}
	return st, nil
}

// EndpointStats is the rolling view the adaptive strategy keeps per endpoint.
type EndpointStats struct {
	Samples     int
	SuccessRate float64
	AvgLatency  time.Duration
}

// Scheduler picks the next request among candidates.
type Scheduler struct {
	strategy Strategy

	// agingPerSecond is the priority boost per second of waiting (weighted strategy)
	agingPerSecond   float64
	minSamples       int
	smoothing        float64
	latencyReference time.Duration

	mu    sync.RWMutex
	stats map[string]*EndpointStats

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAging sets the priority points gained per second of waiting for the weighted strategy.
func WithAging(pointsPerSecond float64) Option {
	return func(s *Scheduler) {
		if pointsPerSecond >= 0 {
			s.agingPerSecond = pointsPerSecond
		}
	}
}

// WithMinSamples sets how many outcomes an endpoint needs before adaptive scoring applies.
func WithMinSamples(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.minSamples = n
		}
	}
}

// WithLatencyReference sets the latency considered normal by the adaptive strategy.
func WithLatencyReference(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.latencyReference = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler. An invalid strategy falls back to StrategyPriority.
func New(strategy Strategy, opts ...Option) *Scheduler {
	if !strategy.Valid() {
		strategy = StrategyPriority
	}
	s := &Scheduler{
		strategy:         strategy,
		agingPerSecond:   0.1,
		minSamples:       10,
		smoothing:        0.2,
		latencyReference: time.Second,
		stats:            make(map[string]*EndpointStats),
		now:              time.Now,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strategy returns the configured strategy.
func (s *Scheduler) Strategy() Strategy {
	return s.strategy
}

// SelectNext returns the candidate to dispatch next, or nil for no candidates.
// Ties keep the earlier candidate.
func (s *Scheduler) SelectNext(candidates []*queue.Request) *queue.Request {
	if len(candidates) == 0 {
		return nil
	}

	now := s.now()
	best := candidates[0]
	bestScore := s.score(best, now)
	for _, c := range candidates[1:] {
		sc := s.score(c, now)
		if sc > bestScore || (sc == bestScore && s.tieBreak(c, best)) {
			best, bestScore = c, sc
		}
	}
	return best
}

// Order sorts candidates in dispatch order according to the strategy.
func (s *Scheduler) Order(candidates []*queue.Request) []*queue.Request {
	rest := append([]*queue.Request(nil), candidates...)
	out := make([]*queue.Request, 0, len(rest))
	for len(rest) > 0 {
		next := s.SelectNext(rest)
		out = append(out, next)
		for i, r := range rest {
			if r == next {
				rest = append(rest[:i], rest[i+1:]...)
				break
			}
		}
	}
	return out
}

// RecordOutcome feeds the adaptive strategy with the result of a dispatch.
func (s *Scheduler) RecordOutcome(endpoint string, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[endpoint]
	if !ok {
		st = &EndpointStats{SuccessRate: 1, AvgLatency: latency}
		s.stats[endpoint] = st
	}

	outcome := 0.0
	if success {
		outcome = 1
	}
	st.Samples++
	st.SuccessRate += s.smoothing * (outcome - st.SuccessRate)
	st.AvgLatency += time.Duration(s.smoothing * float64(latency-st.AvgLatency))

	if st.Samples == s.minSamples {
		s.logger.Debug("adaptive scoring enabled for endpoint",
			slog.String("endpoint", endpoint),
			slog.Float64("success_rate", st.SuccessRate),
			slog.Duration("avg_latency", st.AvgLatency),
		)
	}
}

// Stats returns a copy of the adaptive statistics of endpoint.
func (s *Scheduler) Stats(endpoint string) (EndpointStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[endpoint]
	if !ok {
		return EndpointStats{}, false
	}
	return *st, true
}

func (s *Scheduler) score(r *queue.Request, now time.Time) float64 {
	switch s.strategy {
	case StrategyFIFO, StrategyLIFO:
		// Ordered by tieBreak on exact creation times.
		return 0
	case StrategyWeighted:
		return s.weighted(r, now)
	case StrategyAdaptive:
		return s.adaptive(r)
	default:
		return float64(r.Priority)
	}
}

func (s *Scheduler) weighted(r *queue.Request, now time.Time) float64 {
	wait := now.Sub(r.ReadyAt()).Seconds()
	if wait < 0 {
		wait = 0
	}
	return min(float64(r.Priority)+s.agingPerSecond*wait, float64(queue.PriorityMax))
}

// adaptive scales priority by endpoint health: success rate times a latency
// factor in (0, 1]. Endpoints without enough samples score as plain priority.
func (s *Scheduler) adaptive(r *queue.Request) float64 {
	s.mu.RLock()
	st, ok := s.stats[r.Endpoint]
	var snapshot EndpointStats
	if ok {
		snapshot = *st
	}
	s.mu.RUnlock()

	if !ok || snapshot.Samples < s.minSamples {
		return float64(r.Priority)
	}

	latencyFactor := 1.0
	if snapshot.AvgLatency > s.latencyReference {
		latencyFactor = float64(s.latencyReference) / float64(snapshot.AvgLatency)
	}
	health := snapshot.SuccessRate * latencyFactor
	// Keep critical requests ahead of healthy low-priority ones.
	if r.Priority >= queue.PriorityCritical {
		health = max(health, 0.9)
	}
	return float64(r.Priority) * health
}

// tieBreak reports whether c should win over best at equal score.
func (s *Scheduler) tieBreak(c, best *queue.Request) bool {
	switch s.strategy {
	case StrategyLIFO:
		return c.CreatedAt.Compare(best.CreatedAt) > 0
	default:
		return c.CreatedAt.Compare(best.CreatedAt) < 0
	}
}
