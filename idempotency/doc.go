// Package idempotency provides the processed-command ledger and the response
// cache used by the dispatch loop to absorb duplicate deliveries.
//
// Both sit on a Store, a key-value store with per-key TTL. RedisStore is the
// production implementation; MemoryStore serves tests and single-process runs.
//
// Store failures surface as contracts.StorageUnavailableError and are never
// folded into "key absent": a ledger that cannot answer must not be read as
// "not processed".
package idempotency
