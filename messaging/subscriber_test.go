package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubscription struct {
	queue     string
	done      chan struct{}
	once      sync.Once
	err       error
	cancelled atomic.Bool
}

func (s *stubSubscription) Queue() string         { return s.queue }
func (s *stubSubscription) Done() <-chan struct{} { return s.done }
func (s *stubSubscription) Err() error            { return s.err }

func (s *stubSubscription) Cancel() error {
	s.cancelled.Store(true)
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stubSubscription) lose(err error) {
	s.err = err
	s.once.Do(func() { close(s.done) })
}

// stubTransport hands deliveries to the registered consumer on demand
type stubTransport struct {
	recordingPublisher

	mu       sync.Mutex
	handlers map[string]func(Delivery)
	subs     map[string]*stubSubscription
	opts     map[string]ConsumeOptions
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		handlers: make(map[string]func(Delivery)),
		subs:     make(map[string]*stubSubscription),
		opts:     make(map[string]ConsumeOptions),
	}
}

func (t *stubTransport) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	return nil
}

func (t *stubTransport) DeclareQueue(ctx context.Context, opts QueueOptions) (string, error) {
	return opts.Name, nil
}

func (t *stubTransport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return nil
}

func (t *stubTransport) DeleteQueue(ctx context.Context, name string) error { return nil }
func (t *stubTransport) IsConnected() bool                                  { return true }
func (t *stubTransport) Close() error                                       { return nil }

func (t *stubTransport) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler func(Delivery)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &stubSubscription{queue: queue, done: make(chan struct{})}
	t.handlers[queue] = handler
	t.subs[queue] = sub
	t.opts[queue] = opts
	return sub, nil
}

func (t *stubTransport) deliver(queue string, d Delivery) {
	t.mu.Lock()
	handler := t.handlers[queue]
	t.mu.Unlock()
	handler(d)
}

func (t *stubTransport) subscription(queue string) *stubSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[queue]
}

func waitAcked(t *testing.T, d *fakeDelivery, acked, nacked int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		a, n := d.counts()
		return a == acked && n == nacked
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberAcknowledgement(t *testing.T) {
	ctx := context.Background()

	t.Run("acks after success", func(t *testing.T) {
		tr := newStubTransport()
		s := NewSubscriber(tr)
		require.NoError(t, s.Subscribe(ctx, "orders.create", HandlerFunc(func(ctx context.Context, d Delivery) error {
			return nil
		})))
		defer s.Close()

		d := &fakeDelivery{}
		tr.deliver("orders.create", d)
		waitAcked(t, d, 1, 0)
		assert.Equal(t, DefaultPrefetchCount, tr.opts["orders.create"].PrefetchCount)
		assert.False(t, tr.opts["orders.create"].AutoAck)
	})

	t.Run("nacks with requeue on error", func(t *testing.T) {
		tr := newStubTransport()
		s := NewSubscriber(tr)
		require.NoError(t, s.Subscribe(ctx, "q", HandlerFunc(func(ctx context.Context, d Delivery) error {
			return errors.New("transient")
		})))
		defer s.Close()

		d := &fakeDelivery{}
		tr.deliver("q", d)
		waitAcked(t, d, 0, 1)
		assert.True(t, d.requeue)
	})

	t.Run("panics are recovered and requeued", func(t *testing.T) {
		tr := newStubTransport()
		s := NewSubscriber(tr)
		require.NoError(t, s.Subscribe(ctx, "q", HandlerFunc(func(ctx context.Context, d Delivery) error {
			panic("boom")
		})))
		defer s.Close()

		d := &fakeDelivery{}
		tr.deliver("q", d)
		waitAcked(t, d, 0, 1)
		assert.True(t, d.requeue)
	})
}

func TestSubscriberConcurrency(t *testing.T) {
	tr := newStubTransport()
	s := NewSubscriber(tr)

	var running, peak int32
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, d Delivery) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	})
	require.NoError(t, s.Subscribe(context.Background(), "q", handler, WithPrefetchCount(5), WithConcurrency(2)))

	deliveries := make([]*fakeDelivery, 5)
	for i := range deliveries {
		deliveries[i] = &fakeDelivery{}
	}
	go func() {
		for _, d := range deliveries {
			tr.deliver("q", d)
		}
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&peak))

	close(release)
	for _, d := range deliveries {
		waitAcked(t, d, 1, 0)
	}
	require.NoError(t, s.Close())
}

func TestSubscriberLifecycle(t *testing.T) {
	ctx := context.Background()
	noop := HandlerFunc(func(ctx context.Context, d Delivery) error { return nil })

	t.Run("rejects invalid and duplicate subscriptions", func(t *testing.T) {
		s := NewSubscriber(newStubTransport())
		assert.Error(t, s.Subscribe(ctx, "", noop))
		assert.Error(t, s.Subscribe(ctx, "q", nil))

		require.NoError(t, s.Subscribe(ctx, "q", noop))
		assert.ErrorIs(t, s.Subscribe(ctx, "q", noop), ErrAlreadySubscribed)
		assert.ErrorIs(t, s.Unsubscribe("other"), ErrNotSubscribed)
		assert.Equal(t, []string{"q"}, s.Queues())
		require.NoError(t, s.Close())
		assert.Empty(t, s.Queues())
	})

	t.Run("unsubscribe waits for in-flight handlers", func(t *testing.T) {
		tr := newStubTransport()
		s := NewSubscriber(tr)
		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, s.Subscribe(ctx, "q", HandlerFunc(func(ctx context.Context, d Delivery) error {
			close(started)
			<-release
			return ctx.Err()
		})))

		d := &fakeDelivery{}
		tr.deliver("q", d)
		<-started

		var returned atomic.Bool
		go func() {
			_ = s.Unsubscribe("q")
			returned.Store(true)
		}()

		time.Sleep(30 * time.Millisecond)
		assert.False(t, returned.Load())
		assert.False(t, tr.subscription("q").cancelled.Load())

		close(release)
		assert.Eventually(t, returned.Load, time.Second, 5*time.Millisecond)
		assert.True(t, tr.subscription("q").cancelled.Load())
		waitAcked(t, d, 1, 0)
	})

	t.Run("deliveries after unsubscribe are requeued", func(t *testing.T) {
		tr := newStubTransport()
		s := NewSubscriber(tr)
		require.NoError(t, s.Subscribe(ctx, "q", noop))
		require.NoError(t, s.Unsubscribe("q"))

		d := &fakeDelivery{}
		tr.deliver("q", d)
		waitAcked(t, d, 0, 1)
	})

	t.Run("cancelling the subscribe context unsubscribes", func(t *testing.T) {
		tr := newStubTransport()
		s := NewSubscriber(tr)
		subCtx, cancel := context.WithCancel(ctx)
		require.NoError(t, s.Subscribe(subCtx, "q", noop))

		cancel()
		assert.Eventually(t, func() bool { return tr.subscription("q").cancelled.Load() }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return len(s.Queues()) == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("subscription loss is reported", func(t *testing.T) {
		tr := newStubTransport()
		lost := make(chan error, 1)
		s := NewSubscriber(tr, WithSubscriptionLostHandler(func(queue string, err error) {
			assert.Equal(t, "q", queue)
			lost <- err
		}))
		require.NoError(t, s.Subscribe(ctx, "q", noop))

		cause := errors.New("channel closed by broker")
		tr.subscription("q").lose(cause)

		select {
		case err := <-lost:
			assert.ErrorIs(t, err, cause)
		case <-time.After(time.Second):
			t.Fatal("lost handler not called")
		}
		assert.Empty(t, s.Queues())
		assert.NoError(t, s.Subscribe(ctx, "q", noop), "queue can be subscribed again")
		require.NoError(t, s.Close())
	})
}

func TestMiddleware(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, d Delivery) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next.Handle(ctx, d)
			})
		}
	}

	tr := newStubTransport()
	s := NewSubscriber(tr, WithMiddleware(record("outer"), record("inner"), Logging(slog.Default())))
	require.NoError(t, s.Subscribe(context.Background(), "q", HandlerFunc(func(ctx context.Context, d Delivery) error {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return nil
	})))
	defer s.Close()

	d := &fakeDelivery{}
	tr.deliver("q", d)
	waitAcked(t, d, 1, 0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecover(t *testing.T) {
	h := Chain(HandlerFunc(func(ctx context.Context, d Delivery) error {
		panic("kaboom")
	}), Recover(slog.Default()))

	err := h.Handle(context.Background(), &fakeDelivery{})
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}
