// Package rabbitmq provides the AMQP 0-9-1 plumbing behind transports/rabbitmq.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and reconnects with backoff
//   - ChannelPool: reuses confirm-mode channels for publishing
//   - Publisher: publishes with publisher confirms and retry
//   - Consumer: runs each consumer on a dedicated channel and reports loss
//   - TopologyManager: declares exchanges, queues and bindings
package rabbitmq
