// Package async provides a generic Future for results that arrive later.
//
// A Future is settled exactly once. It is either produced by Go, which runs a
// function in a goroutine, or created with NewFuture and settled by its owner
// through Resolve and Reject. The queue manager hands such futures to callers
// of Enqueue and settles them when the request reaches a terminal state.
//
// # Usage
//
//	f := async.Go(ctx, func(ctx context.Context) (User, error) {
//		return repo.Find(ctx, id)
//	})
//
//	user, err := f.AwaitWithTimeout(time.Second)
//	if errors.Is(err, async.ErrTimeout) {
//		// still running
//	}
//
// Owner-settled futures:
//
//	f := async.NewFuture[int]()
//	go func() { f.Resolve(42) }()
//	v, err := f.Await(ctx)
//
// # Error Handling
//
//   - ErrTimeout: returned when AwaitWithTimeout exceeds its duration
//   - ErrPanic: matched by errors.Is when the function passed to Go panicked
package async
