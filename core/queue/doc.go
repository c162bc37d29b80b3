// Package queue defines the request model and storage contract shared by the
// queue manager, its schedulers and every storage backend.
//
// A Request is addressed to an endpoint in a zone, carries a priority from
// 0 to 100 and moves through a small state machine:
//
//	pending -> processing -> completed
//	                      -> retrying -> pending
//	                      -> failed | expired | cancelled
//	pending -> expired | cancelled
//
// Backend is implemented by MemoryBackend in this package and by the durable
// and distributed stores under integration/queuestore. All of them dispatch
// the highest priority due request first and, within a priority, the oldest.
//
// # Basic Usage
//
//	backend := queue.NewMemoryBackend(queue.WithMemoryRetention(time.Hour))
//	defer backend.Close(ctx)
//
//	err := backend.Enqueue(ctx, &queue.Request{
//		ID:       uuid.NewString(),
//		Endpoint: "/tickets",
//		Verb:     "POST",
//		Zone:     "webservices2",
//		Priority: queue.PriorityHigh,
//	})
//
//	req, err := backend.Dequeue(ctx, "")
//	if errors.Is(err, queue.ErrNoRequest) {
//		// nothing due
//	}
//
// # Errors
//
// All failures are reported with sentinel errors (ErrNotFound, ErrQueueFull,
// ErrBackend, ...) that callers match with errors.Is. Processors return
// Permanent(err) to fail a request without retrying it.
package queue
