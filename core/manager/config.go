package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/zonequeue/core/priority"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Config holds the queue manager settings.
// Designed for environment-based configuration using caarlos0/env.
type Config struct {
	// Capacity and processing loop
	MaxQueueSize       int           `env:"ZONEQUEUE_MAX_QUEUE_SIZE" envDefault:"10000"`
	MaxConcurrency     int           `env:"ZONEQUEUE_MAX_CONCURRENCY" envDefault:"10"`
	ProcessingInterval time.Duration `env:"ZONEQUEUE_PROCESSING_INTERVAL" envDefault:"100ms"`
	ShutdownTimeout    time.Duration `env:"ZONEQUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Request defaults
	DefaultTimeout    time.Duration  `env:"ZONEQUEUE_DEFAULT_TIMEOUT" envDefault:"30s"`
	DefaultMaxRetries int            `env:"ZONEQUEUE_DEFAULT_MAX_RETRIES" envDefault:"3"`
	DefaultPriority   queue.Priority `env:"ZONEQUEUE_DEFAULT_PRIORITY" envDefault:"50"`

	// Scheduling
	EnablePriority   bool   `env:"ZONEQUEUE_ENABLE_PRIORITY" envDefault:"true"`
	PriorityStrategy string `env:"ZONEQUEUE_PRIORITY_STRATEGY" envDefault:"priority"`

	// Batching
	EnableBatching bool          `env:"ZONEQUEUE_ENABLE_BATCHING" envDefault:"false"`
	BatchMaxSize   int           `env:"ZONEQUEUE_BATCH_MAX_SIZE" envDefault:"10"`
	BatchTimeout   time.Duration `env:"ZONEQUEUE_BATCH_TIMEOUT" envDefault:"1s"`

	// Deduplication
	EnableDeduplication bool          `env:"ZONEQUEUE_ENABLE_DEDUPLICATION" envDefault:"true"`
	DeduplicationWindow time.Duration `env:"ZONEQUEUE_DEDUPLICATION_WINDOW" envDefault:"5m"`

	// Retry policy
	RetryBaseDelay  time.Duration `env:"ZONEQUEUE_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMultiplier float64       `env:"ZONEQUEUE_RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxDelay   time.Duration `env:"ZONEQUEUE_RETRY_MAX_DELAY" envDefault:"30s"`
	RetryJitter     float64       `env:"ZONEQUEUE_RETRY_JITTER" envDefault:"0.1"`

	// Circuit breaker
	CircuitFailureThreshold int           `env:"ZONEQUEUE_CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitSuccessThreshold int           `env:"ZONEQUEUE_CIRCUIT_SUCCESS_THRESHOLD" envDefault:"3"`
	CircuitTimeout          time.Duration `env:"ZONEQUEUE_CIRCUIT_TIMEOUT" envDefault:"60s"`
	CircuitOpenBackoff      time.Duration `env:"ZONEQUEUE_CIRCUIT_OPEN_BACKOFF" envDefault:"5s"`

	// Per-zone dispatch rate; 0 disables limiting
	ZoneRateLimit float64 `env:"ZONEQUEUE_ZONE_RATE_LIMIT" envDefault:"0"`
	ZoneRateBurst int     `env:"ZONEQUEUE_ZONE_RATE_BURST" envDefault:"1"`

	// Background loops
	MaintenanceInterval time.Duration `env:"ZONEQUEUE_MAINTENANCE_INTERVAL" envDefault:"1m"`
	MonitorInterval     time.Duration `env:"ZONEQUEUE_MONITOR_INTERVAL" envDefault:"10s"`

	// Backend names the storage implementation, see integration/queuestore.
	Backend string `env:"ZONEQUEUE_BACKEND" envDefault:"memory"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:            10000,
		MaxConcurrency:          10,
		ProcessingInterval:      100 * time.Millisecond,
		ShutdownTimeout:         30 * time.Second,
		DefaultTimeout:          30 * time.Second,
		DefaultMaxRetries:       3,
		DefaultPriority:         queue.PriorityDefault,
		EnablePriority:          true,
		PriorityStrategy:        string(priority.StrategyPriority),
		EnableBatching:          false,
		BatchMaxSize:            10,
		BatchTimeout:            time.Second,
		EnableDeduplication:     true,
		DeduplicationWindow:     5 * time.Minute,
		RetryBaseDelay:          time.Second,
		RetryMultiplier:         2,
		RetryMaxDelay:           30 * time.Second,
		RetryJitter:             0.1,
		CircuitFailureThreshold: 5,
		CircuitSuccessThreshold: 3,
		CircuitTimeout:          60 * time.Second,
		CircuitOpenBackoff:      5 * time.Second,
		ZoneRateLimit:           0,
		ZoneRateBurst:           1,
		MaintenanceInterval:     time.Minute,
		MonitorInterval:         10 * time.Second,
		Backend:                 "memory",
	}
}

// Validate reports configuration errors wrapped in queue.ErrConfiguration and
// returns non-fatal warnings about settings that are legal but questionable.
func (c Config) Validate() ([]string, error) {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.MaxQueueSize <= 0 {
		bad("max queue size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxConcurrency <= 0 {
		bad("max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.ProcessingInterval <= 0 {
		bad("processing interval must be positive, got %s", c.ProcessingInterval)
	}
	if c.ShutdownTimeout <= 0 {
		bad("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.DefaultTimeout < 0 {
		bad("default timeout must not be negative, got %s", c.DefaultTimeout)
	}
	if c.DefaultMaxRetries < 0 {
		bad("default max retries must not be negative, got %d", c.DefaultMaxRetries)
	}
	if !c.DefaultPriority.Valid() {
		bad("default priority must be within %d..%d, got %d", queue.PriorityMin, queue.PriorityMax, c.DefaultPriority)
	}
	if _, err := priority.ParseStrategy(c.PriorityStrategy); err != nil {
		bad("priority strategy: %s", c.PriorityStrategy)
	}
	if c.BatchMaxSize <= 0 {
		bad("batch max size must be positive, got %d", c.BatchMaxSize)
	}
	if c.BatchTimeout <= 0 {
		bad("batch timeout must be positive, got %s", c.BatchTimeout)
	}
	if c.EnableDeduplication && c.DeduplicationWindow <= 0 {
		bad("deduplication window must be positive, got %s", c.DeduplicationWindow)
	}
	if c.RetryBaseDelay <= 0 {
		bad("retry base delay must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay <= c.RetryBaseDelay {
		bad("retry max delay %s must exceed base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMultiplier < 1 {
		bad("retry multiplier must be at least 1, got %v", c.RetryMultiplier)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		bad("retry jitter must be within [0, 1], got %v", c.RetryJitter)
	}
	if c.CircuitFailureThreshold <= 0 {
		bad("circuit failure threshold must be positive, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitSuccessThreshold <= 0 {
		bad("circuit success threshold must be positive, got %d", c.CircuitSuccessThreshold)
	}
	if c.CircuitTimeout <= 0 {
		bad("circuit timeout must be positive, got %s", c.CircuitTimeout)
	}
	if c.CircuitOpenBackoff <= 0 {
		bad("circuit open backoff must be positive, got %s", c.CircuitOpenBackoff)
	}
	if c.ZoneRateLimit < 0 {
		bad("zone rate limit must not be negative, got %v", c.ZoneRateLimit)
	}
	if c.ZoneRateLimit > 0 && c.ZoneRateBurst <= 0 {
		bad("zone rate burst must be positive when rate limiting, got %d", c.ZoneRateBurst)
	}
	if c.MaintenanceInterval <= 0 {
		bad("maintenance interval must be positive, got %s", c.MaintenanceInterval)
	}
	if c.MonitorInterval <= 0 {
		bad("monitor interval must be positive, got %s", c.MonitorInterval)
	}

	if len(errs) > 0 {
		return nil, errors.Join(append([]error{queue.ErrConfiguration}, errs...)...)
	}

	var warnings []string
	if c.Backend == "memory" && c.MaxQueueSize > 100000 {
		warnings = append(warnings, fmt.Sprintf("memory backend with max queue size %d may exhaust memory", c.MaxQueueSize))
	}
	if c.MaxConcurrency > 100 {
		warnings = append(warnings, fmt.Sprintf("max concurrency %d is unusually high", c.MaxConcurrency))
	}
	if c.EnableDeduplication && c.EnableBatching && c.DeduplicationWindow < c.BatchTimeout {
		warnings = append(warnings, "deduplication window is shorter than batch timeout")
	}
	if c.ProcessingInterval < 10*time.Millisecond {
		warnings = append(warnings, fmt.Sprintf("processing interval %s may cause busy polling", c.ProcessingInterval))
	}
	return warnings, nil
}
