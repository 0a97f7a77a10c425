// Package memory provides an in-process broker implementing messaging.Transport.
//
// It models the AMQP 0-9-1 semantics the messaging package relies on:
// direct, topic and fanout exchanges, the default exchange routing by queue
// name, server-named exclusive auto-delete queues, manual acknowledgement with
// prefetch, and requeue on nack with the redelivered flag set. Connection loss
// can be simulated to exercise recovery paths.
package memory
