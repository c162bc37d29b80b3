package event

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

const (
	// DefaultSubscriptionBufferSize is the default buffer of every subscription channel.
	DefaultSubscriptionBufferSize = 256
)

// Bus fans queue events out to subscribers over buffered channels.
// Publishing never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted.
//
// Example:
//
//	bus := event.NewBus(event.WithBufferSize(512))
//	defer bus.Close()
//
//	sub, _ := bus.Subscribe(event.RequestCompleted, event.RequestFailed)
//	defer bus.Unsubscribe(sub)
//
//	for evt := range sub.Events() {
//	    ...
//	}
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	logger     *slog.Logger
	closed     bool

	published atomic.Int64
	dropped   atomic.Int64
}

// Subscription receives events whose names it was created with.
// A subscription without names receives everything.
type Subscription struct {
	id    uint64
	names []string
	ch    chan Event

	dropped atomic.Int64
}

// Events returns the channel of delivered events. It is closed on Unsubscribe or Bus.Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(name string) bool {
	return len(s.names) == 0 || slices.Contains(s.names, name)
}

// BusStats provides observability metrics for the bus.
type BusStats struct {
	Published   int64
	Dropped     int64
	Subscribers int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the buffer size of subscription channels.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger configures structured logging for the bus.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an in-process event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: DefaultSubscriptionBufferSize,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe registers a subscription for the given event names.
func (b *Bus) Subscribe(names ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		names: slices.Clone(names),
		ch:    make(chan Event, b.bufferSize),
	}
	b.subs[sub.id] = sub

	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers evt to every interested subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(evt.Name) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.WarnContext(ctx, "event dropped, subscriber buffer full",
				slog.String("event_name", evt.Name),
				slog.String("event_id", evt.ID))
		}
	}

	return nil
}

// Emit builds an event and publishes it. Errors are logged, not returned,
// so emitting from hot paths never fails the caller.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	if err := b.Publish(ctx, NewEvent(name, payload)); err != nil {
		b.logger.DebugContext(ctx, "event not published",
			slog.String("event_name", name),
			slog.String("error", err.Error()))
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return BusStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close closes every subscription. After Close, Publish and Subscribe return ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.logger.Info("event bus closed")
	return nil
}
