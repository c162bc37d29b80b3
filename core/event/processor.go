package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Processor consumes a bus subscription and dispatches events to handlers.
type Processor struct {
	bus      *Bus
	handlers map[string][]Handler
	mu       sync.RWMutex

	shutdownTimeout time.Duration
	logger          *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	eventsProcessed atomic.Int64
	eventsFailed    atomic.Int64
	lastActivityAt  atomic.Int64
}

// ProcessorStats provides observability metrics for monitoring and debugging.
type ProcessorStats struct {
	EventsProcessed int64
	EventsFailed    int64
	IsRunning       bool
	LastActivityAt  time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithHandler registers one or more handlers with the processor.
// Multiple handlers can be registered for the same event name.
func WithHandler(handlers ...Handler) ProcessorOption {
	return func(p *Processor) {
		for _, h := range handlers {
			if h == nil {
				continue
			}
			p.handlers[h.EventName()] = append(p.handlers[h.EventName()], h)
		}
	}
}

// WithShutdownTimeout configures maximum wait time for in-flight handlers during shutdown.
func WithShutdownTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.shutdownTimeout = d
		}
	}
}

// WithProcessorLogger configures structured logging for the processor.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a processor reading from bus.
//
// Example:
//
//	processor, err := event.NewProcessor(bus,
//	    event.WithHandler(handler1, handler2),
//	)
func NewProcessor(bus *Bus, opts ...ProcessorOption) (*Processor, error) {
	if bus == nil {
		return nil, ErrBusNil
	}

	p := &Processor{
		bus:             bus,
		handlers:        make(map[string][]Handler),
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Start subscribes to the handled event names and dispatches events until ctx
// is cancelled or the bus is closed. This is a blocking operation.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrProcessorAlreadyStarted
	}

	if len(p.handlers) == 0 {
		p.mu.Unlock()
		return ErrNoHandlers
	}

	sub, err := p.bus.Subscribe(slices.Collect(maps.Keys(p.handlers))...)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	ctx = p.ctx
	stopped := make(chan struct{})
	p.stopped = stopped
	p.mu.Unlock()

	defer close(stopped)
	defer p.bus.Unsubscribe(sub)

	p.logger.InfoContext(ctx, "event processor started",
		slog.Int("handler_count", len(p.handlers)))

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("event processor stopping")
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				p.logger.Info("event bus closed")
				return nil
			}
			p.dispatch(evt)
		}
	}
}

// Stop gracefully shuts down the processor with a timeout.
// Returns an error if the shutdown timeout is exceeded.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return ErrProcessorNotStarted
	}

	cancel := p.cancel
	stopped := p.stopped
	p.cancel = nil
	p.mu.Unlock()

	cancel()

	timer := time.NewTimer(p.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-stopped:
		p.logger.Info("event processor stopped cleanly")
		return nil
	case <-timer.C:
		p.logger.Warn("event processor shutdown timeout exceeded - some handlers may be abandoned",
			slog.Duration("timeout", p.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", p.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (p *Processor) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- p.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = p.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// dispatch runs the handlers of evt sequentially so per-name ordering is preserved.
func (p *Processor) dispatch(evt Event) {
	p.mu.RLock()
	handlers := p.handlers[evt.Name]
	ctx := p.ctx
	p.mu.RUnlock()

	for _, h := range handlers {
		p.invoke(ctx, h, evt)
	}
	p.lastActivityAt.Store(time.Now().Unix())
}

func (p *Processor) invoke(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			p.eventsFailed.Add(1)
			p.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("event_id", evt.ID),
				slog.String("event_name", evt.Name),
				slog.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := h.Handle(ctx, evt.Payload); err != nil {
		p.eventsFailed.Add(1)
		p.logger.ErrorContext(ctx, "event handler failed",
			slog.String("event_id", evt.ID),
			slog.String("event_name", evt.Name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return
	}
	p.eventsProcessed.Add(1)
}

// Stats returns current processor statistics for observability and monitoring.
func (p *Processor) Stats() ProcessorStats {
	p.mu.RLock()
	isRunning := p.cancel != nil
	p.mu.RUnlock()

	lastActivity := p.lastActivityAt.Load()
	var lastActivityTime time.Time
	if lastActivity > 0 {
		lastActivityTime = time.Unix(lastActivity, 0)
	}

	return ProcessorStats{
		EventsProcessed: p.eventsProcessed.Load(),
		EventsFailed:    p.eventsFailed.Load(),
		IsRunning:       isRunning,
		LastActivityAt:  lastActivityTime,
	}
}

// Healthcheck validates that the processor is operational.
func (p *Processor) Healthcheck(ctx context.Context) error {
	if !p.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrProcessorNotRunning)
	}
	return nil
}
