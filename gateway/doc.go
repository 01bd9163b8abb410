// Package gateway wires the device gateway core together and serialises it.
//
// A Hub owns the state store, connection registry, device arbiter, broadcast
// engine, router and liveness monitor. Every operation that reads or mutates
// shared state runs as a task on the hub's single event loop: inbound
// WebSocket frames, connection attach and detach, REST and NATS commands and
// liveness ticks. Broadcasts issued by a task therefore always carry the
// snapshot that task produced.
//
//	hub, err := gateway.New(gateway.Config{}, gateway.WithLogger(logger))
//	go hub.Run(ctx)
//
//	conn, err := hub.Attach(ctx, transport)
//	err = hub.Deliver(ctx, conn.ID(), frame)
//	hub.Detach(ctx, conn.ID(), nil)
//
// Transports call Attach, Deliver and Detach; the REST surface and the NATS
// bridge call Execute and Ingest. All of them block until the task has run
// or ctx ends.
package gateway
