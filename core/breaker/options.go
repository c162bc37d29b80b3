package breaker

import (
	"log/slog"
	"time"
)

// StateChangeFunc is called after a zone changes state. It runs outside the
// manager lock and must not block for long.
type StateChangeFunc func(zone string, from, to State)

type options struct {
	failureThreshold    int
	successThreshold    int
	timeout             time.Duration
	maxTimeout          time.Duration
	decay               float64
	jitter              float64
	healthCheckInterval time.Duration
	stuckOpenMultiplier int
	idleResetAfter      time.Duration
	adaptive            bool
	minSamples          int
	errorRateHigh       float64
	errorRateLow        float64
	latencyThreshold    time.Duration
	shutdownTimeout     time.Duration
	onStateChange       StateChangeFunc
	logger              *slog.Logger
	now                 func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithFailureThreshold sets the decayed failure count that opens a closed circuit.
func WithFailureThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the consecutive half-open successes that close a circuit.
func WithSuccessThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.successThreshold = n
		}
	}
}

// WithTimeout sets the base open duration before the first probe.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxTimeout caps the exponential open duration.
func WithMaxTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxTimeout = d
		}
	}
}

// WithDecay sets the factor applied to the failure count on each success while closed.
func WithDecay(f float64) Option {
	return func(o *options) {
		if f >= 0 && f < 1 {
			o.decay = f
		}
	}
}

// WithJitter sets the random spread applied to open durations, in [0, 1].
func WithJitter(f float64) Option {
	return func(o *options) {
		if f >= 0 && f <= 1 {
			o.jitter = f
		}
	}
}

// WithHealthCheckInterval sets how often Start runs HealthCheck.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.healthCheckInterval = d
		}
	}
}

// WithIdleReset resets breakers that saw no traffic for d.
func WithIdleReset(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleResetAfter = d
		}
	}
}

// WithAdaptiveThresholds toggles threshold nudging during health checks.
func WithAdaptiveThresholds(enabled bool) Option {
	return func(o *options) {
		o.adaptive = enabled
	}
}

// WithLatencyThreshold sets the average latency treated as unhealthy.
func WithLatencyThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.latencyThreshold = d
		}
	}
}

// WithOnStateChange registers a state transition callback.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(o *options) {
		o.onStateChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
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
