// Package health provides health checks for the broker connection, the
// idempotency store and command queues, aggregated by a Registry.
package health
