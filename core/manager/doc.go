// Package manager is the entry point of the queue. It accepts requests
// addressed to an endpoint in a zone, persists them in a pluggable backend and
// dispatches them to registered processors.
//
// # Features
//
//   - Priority dispatch with FIFO, LIFO, weighted and adaptive strategies
//   - Deduplication of identical requests within a configurable window
//   - Per-zone circuit breakers and optional per-zone rate limits
//   - Retries with exponential backoff and jitter
//   - Adaptive batching of compatible requests
//   - Bounded concurrency, request deadlines and capacity eviction
//   - Lifecycle events on an event bus and a background queue monitor
//   - Graceful shutdown that settles every outstanding future
//
// # Basic Usage
//
//	backend := queue.NewMemoryBackend()
//
//	m, err := manager.New(backend,
//		manager.WithMaxConcurrency(20),
//		manager.WithBatching(true, 10, time.Second),
//		manager.WithLogger(log),
//	)
//	if err != nil {
//		return err
//	}
//
//	m.RegisterProcessor("POST", manager.ProcessorFunc(
//		func(ctx context.Context, req *queue.Request) (*queue.Result, error) {
//			return callUpstream(ctx, req)
//		}))
//
//	eg, ctx := errgroup.WithContext(ctx)
//	eg.Go(m.Run(ctx))
//
//	fut, err := m.Enqueue(ctx, "/v1/users", "POST", "eu-west",
//		manager.WithData(user),
//		manager.WithPriority(queue.PriorityHigh),
//	)
//	res, err := fut.Await(ctx)
//
// # Processor Routing
//
// A request goes to the processor registered for its exact endpoint, then to
// the one registered for its verb, then to the default processor. A processor
// whose CanProcess returns false is skipped. Requests no processor accepts
// fail with queue.ErrNoProcessor and are not retried.
//
// # Failures
//
// Processor errors are retried while the request is retryable and has retries
// left. Wrap an error with queue.Permanent to fail immediately. While a zone's
// circuit is open its requests are pushed back by CircuitOpenBackoff without
// consuming a retry. A request that outlives its timeout, measured from
// enqueue, expires and its future is rejected with queue.ErrTimeout.
//
// # Configuration
//
// Config is loaded from ZONEQUEUE_* environment variables:
//
//	var cfg manager.Config
//	config.MustLoad(&cfg)
//	m, err := manager.NewFromConfig(cfg, backend)
package manager
