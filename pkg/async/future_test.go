package async_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonequeue/pkg/async"
)

func TestFuture_SettleOnce(t *testing.T) {
	t.Parallel()

	f := async.NewFuture[int]()
	assert.False(t, f.IsComplete())

	var wg sync.WaitGroup
	var wins sync.Map
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Resolve(i) {
				wins.Store(i, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
	assert.True(t, f.IsComplete())
	assert.False(t, f.Reject(errors.New("late")))

	_, err := f.Await(context.Background())
	assert.NoError(t, err)
}

func TestFuture_Reject(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := async.NewFuture[string]()
	require.True(t, f.Reject(boom))

	v, err := f.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, v)
}

func TestFuture_AwaitContext(t *testing.T) {
	t.Parallel()

	f := async.NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.AwaitWithTimeout(5 * time.Millisecond)
	assert.ErrorIs(t, err, async.ErrTimeout)
}

func TestGo(t *testing.T) {
	t.Parallel()

	t.Run("value", func(t *testing.T) {
		t.Parallel()
		f := async.Go(context.Background(), func(context.Context) (int, error) { return 7, nil })
		v, err := f.AwaitWithTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("panic", func(t *testing.T) {
		t.Parallel()
		f := async.Go(context.Background(), func(context.Context) (int, error) { panic("bad") })
		_, err := f.AwaitWithTimeout(time.Second)
		assert.ErrorIs(t, err, async.ErrPanic)
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		f := async.Go(ctx, func(context.Context) (int, error) { called = true; return 1, nil })
		_, err := f.AwaitWithTimeout(time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestWaitAll(t *testing.T) {
	t.Parallel()

	a := async.Go(context.Background(), func(context.Context) (int, error) { return 1, nil })
	b := async.Go(context.Background(), func(context.Context) (int, error) { return 2, nil })
	vals, err := async.WaitAll(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, vals)

	c := async.Go(context.Background(), func(context.Context) (int, error) { return 0, errors.New("x") })
	_, err = async.WaitAll(context.Background(), a, c)
	assert.Error(t, err)
}
