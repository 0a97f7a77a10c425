package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of confirm-mode AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	waitTimeout time.Duration
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id string
}

// ID identifies the channel in errors and logs
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a free channel
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		waitTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			_ = pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.channels <- ch
	}

	return pool, nil
}

// Get retrieves a channel from the pool, opening one if under max size
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch, ok := cp.validate(ch); ok {
				return ch, nil
			}
			continue
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.mu.Unlock()
			return cp.createAndGet(ctx)
		}
		cp.mu.Unlock()

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch, ok := cp.validate(ch); ok {
				return ch, nil
			}

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}

		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool; closed channels are discarded
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.activeCount--
		return
	}
	if cp.closed {
		cp.activeCount--
		_ = ch.Channel.Close()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		cp.activeCount--
		_ = ch.Channel.Close()
	}
}

// Close closes all idle channels; channels in use are closed on Put
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.channels:
			cp.activeCount--
			if !ch.Channel.IsClosed() {
				_ = ch.Channel.Close()
			}
		default:
			return nil
		}
	}
}

// Size returns the number of open channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch.Channel)
}

func (cp *ChannelPool) validate(ch *PooledChannel) (*PooledChannel, bool) {
	if ch.Channel.IsClosed() {
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
		return nil, false
	}
	return ch, true
}

// createChannel opens a channel and puts it in confirm mode
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	id := uuid.NewString()

	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: id,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			ChannelID: id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return &PooledChannel{Channel: ch, id: id}, nil
}

func (cp *ChannelPool) createAndGet(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return cp.createChannel()
}
