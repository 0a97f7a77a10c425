// Package reliability provides the retry and circuit breaker primitives used
// around broker publishes.
//
//   - Retry runs a function under a RetryPolicy (exponential backoff with jitter)
//     and stops early on permanent errors such as contracts.ProtocolError.
//   - CircuitBreaker fails fast after repeated publish failures so callers get a
//     transport error immediately instead of waiting for their deadline.
package reliability
