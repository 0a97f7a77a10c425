// Package messaging provides request/response over a message broker with
// idempotent command processing.
//
// This package implements three cooperating pieces:
//   - Caller: publishes a command or query and waits for the correlated reply
//     on a private, server-named reply queue
//   - Subscriber: runs manual-ack consumers with bounded concurrency and
//     middleware, acking only after the handler succeeds
//   - Dispatcher: decodes a delivery, suppresses duplicates through a
//     processed-command ledger, invokes the domain handler (optionally through
//     a response cache) and publishes the reply
//
// Example usage:
//
//	ledger := idempotency.NewLedger(idempotency.NewRedisStore(rdb))
//	dispatcher, err := messaging.NewDispatcher(transport, ledger)
//
//	subscriber := messaging.NewSubscriber(transport)
//	err = subscriber.Subscribe(ctx, "orders.create", messaging.HandlerFor(dispatcher, createOrder))
//
//	caller := messaging.NewCaller(transport)
//	reply, err := messaging.Call[OrderResult](ctx, caller, "orders.exchange", "orders.create", cmd, 5*time.Second)
//
// Transports are pluggable through the Transport interface; see
// transports/rabbitmq for AMQP 0-9-1 and transports/memory for an
// in-process broker.
package messaging
