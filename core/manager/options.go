package manager

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/zonequeue/core/backoff"
	"github.com/dmitrymomot/zonequeue/core/event"
)

// Option is a functional option for configuring a Manager.
type Option func(*options)

type options struct {
	cfg     Config
	logger  *slog.Logger
	bus     *event.Bus
	retry   backoff.Strategy
	now     func() time.Time
	monitor bool
	tracer  trace.TracerProvider
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger shared by the manager and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventBus publishes events on bus instead of a private one.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithRetryStrategy overrides the retry delay policy built from the config.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(o *options) {
		if s != nil {
			o.retry = s
		}
	}
}

// WithTracerProvider traces processor calls with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMonitor enables or disables the background queue monitor. Enabled by default.
func WithMonitor(enabled bool) Option {
	return func(o *options) {
		o.monitor = enabled
	}
}

// WithMaxQueueSize sets the capacity of the queue.
func WithMaxQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cfg.MaxQueueSize = n
		}
	}
}

// WithMaxConcurrency sets how many requests may be processed at once.
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cfg.MaxConcurrency = n
		}
	}
}

// WithProcessingInterval sets the dispatch loop tick.
func WithProcessingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cfg.ProcessingInterval = d
		}
	}
}

// WithShutdownTimeout sets how long Shutdown waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cfg.ShutdownTimeout = d
		}
	}
}

// WithDeduplication toggles deduplication and sets its window.
func WithDeduplication(enabled bool, window time.Duration) Option {
	return func(o *options) {
		o.cfg.EnableDeduplication = enabled
		if window > 0 {
			o.cfg.DeduplicationWindow = window
		}
	}
}

// WithBatching toggles batching and sets the base batch size and timeout.
func WithBatching(enabled bool, maxSize int, timeout time.Duration) Option {
	return func(o *options) {
		o.cfg.EnableBatching = enabled
		if maxSize > 0 {
			o.cfg.BatchMaxSize = maxSize
		}
		if timeout > 0 {
			o.cfg.BatchTimeout = timeout
		}
	}
}

// WithPriorityStrategy selects the scheduling strategy by name.
func WithPriorityStrategy(strategy string) Option {
	return func(o *options) {
		if strategy != "" {
			o.cfg.PriorityStrategy = strategy
		}
	}
}

// WithCircuitBreaker sets the breaker thresholds and open timeout.
func WithCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) Option {
	return func(o *options) {
		if failureThreshold > 0 {
			o.cfg.CircuitFailureThreshold = failureThreshold
		}
		if successThreshold > 0 {
			o.cfg.CircuitSuccessThreshold = successThreshold
		}
		if timeout > 0 {
			o.cfg.CircuitTimeout = timeout
		}
	}
}

// WithCircuitOpenBackoff sets how far a request is pushed back while its zone's circuit is open.
func WithCircuitOpenBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cfg.CircuitOpenBackoff = d
		}
	}
}

// WithZoneRateLimit limits dispatches per zone to rate per second with burst.
func WithZoneRateLimit(rate float64, burst int) Option {
	return func(o *options) {
		o.cfg.ZoneRateLimit = rate
		if burst > 0 {
			o.cfg.ZoneRateBurst = burst
		}
	}
}
