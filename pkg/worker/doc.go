// Package worker provides a bounded, generic worker pool.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull is returned, so a slow consumer cannot stall the caller. The
// NATS bridge relies on this to keep event publishing off the gateway's
// event loop.
//
//	pool := worker.NewPool(2, 256, publish,
//	    worker.WithMetricsRegistry[event](registry, "devicegate_natsbridge"),
//	    worker.WithLogger[event](logger))
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(ev); errors.Is(err, worker.ErrQueueFull) { ... }
package worker
