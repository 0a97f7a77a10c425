package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRetention is how long a processed command id is remembered
	DefaultRetention = 24 * time.Hour
	// DefaultClaimTTL bounds how long a claim outlives a crashed worker
	DefaultClaimTTL = 30 * time.Second
)

// Ledger records which command ids have already been handled.
//
// Exists followed by MarkProcessed is not atomic. Workers sharing a store
// close that window with Claim, which reserves the id under "processing:"
// while the handler runs; the processed record is still written only after
// the handler succeeds. A handler running longer than the claim TTL can
// overlap with a redelivery on another worker.
type Ledger struct {
	store       Store
	retention   time.Duration
	claimTTL    time.Duration
	prefix      string
	claimPrefix string
	now         func() time.Time
}

// LedgerOption configures a Ledger
type LedgerOption func(*Ledger)

// WithRetention sets how long processed ids are kept
func WithRetention(retention time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.retention = retention
	}
}

// WithKeyPrefix sets the key prefix, "processed:" by default
func WithKeyPrefix(prefix string) LedgerOption {
	return func(l *Ledger) {
		l.prefix = prefix
	}
}

// WithClaimTTL sets how long a claim is held before it expires on its own
func WithClaimTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.claimTTL = ttl
	}
}

// WithClaimKeyPrefix sets the claim key prefix, "processing:" by default
func WithClaimKeyPrefix(prefix string) LedgerOption {
	return func(l *Ledger) {
		l.claimPrefix = prefix
	}
}

// NewLedger creates a ledger over store
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:     store,
		retention:   DefaultRetention,
		claimTTL:    DefaultClaimTTL,
		prefix:      "processed:",
		claimPrefix: "processing:",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Exists reports whether id was marked processed within the retention window.
// Store failures are returned as errors, never as false.
func (l *Ledger) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := l.store.Exists(ctx, l.key(id))
	if err != nil {
		return false, fmt.Errorf("ledger lookup for %s: %w", id, err)
	}
	return ok, nil
}

// MarkProcessed records id with the current time
func (l *Ledger) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	stamp := l.now().UTC().Format(time.RFC3339Nano)
	if err := l.store.Set(ctx, l.key(id), []byte(stamp), l.retention); err != nil {
		return fmt.Errorf("ledger write for %s: %w", id, err)
	}
	return nil
}

// Claim reserves id for the caller. It reports false when another worker
// holds the claim.
func (l *Ledger) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	stamp := l.now().UTC().Format(time.RFC3339Nano)
	ok, err := l.store.SetNX(ctx, l.claimPrefix+id.String(), []byte(stamp), l.claimTTL)
	if err != nil {
		return false, fmt.Errorf("ledger claim for %s: %w", id, err)
	}
	return ok, nil
}

// Release drops the claim on id
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) error {
	if err := l.store.Delete(ctx, l.claimPrefix+id.String()); err != nil {
		return fmt.Errorf("ledger release for %s: %w", id, err)
	}
	return nil
}

// Retention returns the configured retention window
func (l *Ledger) Retention() time.Duration {
	return l.retention
}

func (l *Ledger) key(id uuid.UUID) string {
	return l.prefix + id.String()
}
