package event_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/core/event"
)

func TestBus_SubscribeFiltersByName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := event.NewBus()
	defer bus.Close()

	completed, err := bus.Subscribe(event.RequestCompleted)
	require.NoError(t, err)
	all, err := bus.Subscribe()
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.NewEvent(event.RequestEnqueued, event.RequestPayload{RequestID: "1"})))
	require.NoError(t, bus.Publish(ctx, event.NewEvent(event.RequestCompleted, event.RequestPayload{RequestID: "1"})))

	evt := <-completed.Events()
	assert.Equal(t, event.RequestCompleted, evt.Name)
	assert.Equal(t, "1", evt.Payload.(event.RequestPayload).RequestID)
	assert.Empty(t, completed.Events())

	assert.Len(t, all.Events(), 2)
	assert.Equal(t, 2, bus.Stats().Subscribers)
	assert.Equal(t, int64(2), bus.Stats().Published)
}

func TestBus_DropsWhenFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := event.NewBus(event.WithBufferSize(1))
	defer bus.Close()

	sub, err := bus.Subscribe(event.QueueFull)
	require.NoError(t, err)

	bus.Emit(ctx, event.QueueFull, event.QueueFullPayload{Size: 1})
	bus.Emit(ctx, event.QueueFull, event.QueueFullPayload{Size: 2})

	assert.Equal(t, int64(1), sub.Dropped())
	assert.Equal(t, int64(1), bus.Stats().Dropped)
	evt := <-sub.Events()
	assert.Equal(t, 1, evt.Payload.(event.QueueFullPayload).Size)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()

	sub, err := bus.Subscribe()
	require.NoError(t, err)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)

	other, err := bus.Subscribe()
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Close(), event.ErrBusClosed)

	_, ok = <-other.Events()
	assert.False(t, ok)

	_, err = bus.Subscribe()
	assert.ErrorIs(t, err, event.ErrBusClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), event.NewEvent("x", nil)), event.ErrBusClosed)

	// Emit swallows the closed error.
	bus.Emit(context.Background(), "x", nil)
}
