// Package event provides the in-process notification bus used by the queue.
//
// The queue manager publishes lifecycle events (request.enqueued,
// request.completed, circuit.state_changed, ...) to a Bus. Consumers either
// read a Subscription channel directly or register typed handlers with a
// Processor, which manages the subscription and recovers handler panics.
//
// # Subscriptions
//
//	bus := event.NewBus()
//	defer bus.Close()
//
//	sub, err := bus.Subscribe(event.RequestFailed)
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    for evt := range sub.Events() {
//	        p := evt.Payload.(event.RequestPayload)
//	        log.Printf("request %s failed: %s", p.RequestID, p.Error)
//	    }
//	}()
//
// Publishing never blocks. A subscriber whose buffer is full misses the
// event; Subscription.Dropped and Bus.Stats report how many were lost.
//
// # Processors
//
//	processor, err := event.NewProcessor(bus,
//	    event.WithHandler(event.NewHandler(event.RequestCompleted,
//	        func(ctx context.Context, p event.RequestPayload) error {
//	            return store.Save(ctx, p)
//	        })),
//	)
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(processor.Run(ctx))
//
// Handlers for one event name run sequentially in publish order.
package event
