package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultResponseTTL is used when a caller asks for caching without a TTL
const DefaultResponseTTL = 5 * time.Minute

// ResponseKey is the cache key for the reply to a correlation id
func ResponseKey(correlationID string) string {
	return "response:" + correlationID
}

// ComputeFunc produces an encoded response
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ResponseCache keeps encoded responses for a bounded time
type ResponseCache struct {
	store  Store
	logger *slog.Logger
}

// ResponseCacheOption configures a ResponseCache
type ResponseCacheOption func(*ResponseCache)

// WithCacheLogger sets the logger
func WithCacheLogger(logger *slog.Logger) ResponseCacheOption {
	return func(c *ResponseCache) {
		c.logger = logger
	}
}

// NewResponseCache creates a cache over store
func NewResponseCache(store Store, opts ...ResponseCacheOption) *ResponseCache {
	c := &ResponseCache{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("response cache read %s: %w", key, err)
	}
	return value, ok, nil
}

// GetOrCompute returns the cached value for key, or runs fn and caches its
// result for ttl. With enabled=false it always runs fn and touches nothing.
//
// A failed read is returned without running fn. A failed write after fn
// succeeded is logged and the fresh value returned, since fn's effect has
// already happened.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, fn ComputeFunc, ttl time.Duration, enabled bool) ([]byte, error) {
	if !enabled {
		return fn(ctx)
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}

	cached, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		c.logger.Debug("response cache hit", "key", key)
		return cached, nil
	}

	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("failed to cache response",
			"key", key,
			"error", err,
		)
	}
	return value, nil
}
