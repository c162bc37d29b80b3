package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config defines a token bucket: Rate tokens are added per second up to Burst.
type Config struct {
	Rate  float64
	Burst int
}

// Validate checks that the bucket can ever admit an event.
func (c Config) Validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %v", ErrInvalidConfig, c.Rate)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("%w: burst must be positive, got %d", ErrInvalidConfig, c.Burst)
	}
	return nil
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Stats provides observability metrics for monitoring and debugging.
type Stats struct {
	KeysCreated int64 // Total number of per-key limiters created
	KeysRemoved int64 // Total number of stale limiters removed
	ActiveKeys  int   // Current number of per-key limiters
	Denied      int64 // Events rejected by Allow or Delay
	IsRunning   bool  // Whether the cleanup goroutine is running
}

// Limiter applies an independent token bucket to every key.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry

	cleanupInterval time.Duration
	staleAfter      time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	keysCreated atomic.Int64
	keysRemoved atomic.Int64
	denied      atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCleanupInterval sets how often stale keys are purged while Start runs.
func WithCleanupInterval(interval time.Duration) Option {
	return func(l *Limiter) {
		if interval > 0 {
			l.cleanupInterval = interval
		}
	}
}

// WithStaleAfter sets how long an unused key is kept.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(l *Limiter) {
		if timeout > 0 {
			l.shutdownTimeout = timeout
		}
	}
}

// WithLogger sets the logger for internal operations.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a keyed limiter. Call Start to purge stale keys in the background.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:             cfg,
		entries:         make(map[string]*entry),
		cleanupInterval: 5 * time.Minute,
		staleAfter:      time.Hour,
		shutdownTimeout: 5 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow consumes one token for key and reports whether it was available.
func (l *Limiter) Allow(key string) bool {
	if l.get(key).AllowN(l.now(), 1) {
		return true
	}
	l.denied.Add(1)
	return false
}

// Delay consumes one token for key when available now. Otherwise nothing is
// consumed and the wait until a token frees up is returned.
func (l *Limiter) Delay(key string) (bool, time.Duration) {
	now := l.now()
	r := l.get(key).ReserveN(now, 1)
	if !r.OK() {
		l.denied.Add(1)
		return false, 0
	}
	d := r.DelayFrom(now)
	if d == 0 {
		return true, 0
	}
	r.CancelAt(now)
	l.denied.Add(1)
	return false, d
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if err := l.get(key).Wait(ctx); err != nil {
		return errors.Join(ErrRateLimitExceeded, err)
	}
	return nil
}

// Tokens returns the tokens currently available for key.
func (l *Limiter) Tokens(key string) float64 {
	return l.get(key).TokensAt(l.now())
}

// Reset forgets the bucket of key so it starts full again.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.entries[key] = e
		l.keysCreated.Add(1)
	}
	e.lastAccess = l.now()
	return e.limiter
}

// Start runs stale-key cleanup until ctx is cancelled. This is a blocking
// operation. Use Run for the errgroup pattern or call it in a goroutine.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, l.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	l.done = done
	l.mu.Unlock()

	defer close(done)

	l.logger.InfoContext(ctx, "rate limiter cleanup started",
		slog.Duration("cleanup_interval", l.cleanupInterval))

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(context.WithoutCancel(ctx), "rate limiter cleanup stopping")
			return ctx.Err()
		case <-ticker.C:
			l.RemoveStale()
		}
	}
}

// Stop shuts down the background cleanup with a timeout.
func (l *Limiter) Stop() error {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(l.shutdownTimeout):
		l.logger.Warn("rate limiter shutdown timeout exceeded",
			slog.Duration("timeout", l.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", l.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (l *Limiter) Run(ctx context.Context) func() error {
	return func() error {
		err := l.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

// RemoveStale drops keys that have not been used within the stale window.
// It returns the number of removed keys.
func (l *Limiter) RemoveStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastAccess) > l.staleAfter {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		l.keysRemoved.Add(int64(removed))
	}
	return removed
}

// Stats returns current statistics. Safe for concurrent use.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	running := l.cancel != nil
	active := len(l.entries)
	l.mu.Unlock()

	return Stats{
		KeysCreated: l.keysCreated.Load(),
		KeysRemoved: l.keysRemoved.Load(),
		ActiveKeys:  active,
		Denied:      l.denied.Load(),
		IsRunning:   running,
	}
}

// Healthcheck reports an error when background cleanup is not running.
func (l *Limiter) Healthcheck(ctx context.Context) error {
	if !l.Stats().IsRunning {
		return fmt.Errorf("rate limiter cleanup is not running")
	}
	return nil
}
