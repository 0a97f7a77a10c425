package idempotency

import (
	"context"
	"sync"
	"time"
)

// fakeClock is a manually advanced clock shared by the package tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore answers every call with err
type failingStore struct {
	err error
}

func (s failingStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, s.err
}

func (s failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, s.err
}

func (s failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.err
}

func (s failingStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return false, s.err
}

func (s failingStore) Delete(ctx context.Context, key string) error {
	return s.err
}
