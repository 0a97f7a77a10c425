package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPrefetchCount bounds unacked deliveries per consumer
const DefaultPrefetchCount = 10

// Subscriber manages manual-ack consumers and routes deliveries to handlers
type Subscriber struct {
	transport   Transport
	logger      *slog.Logger
	middleware  []Middleware
	lostHandler func(queue string, err error)

	mu            sync.Mutex
	subscriptions map[string]*activeSubscription
}

type activeSubscription struct {
	queue   string
	sub     Subscription
	sem     *semaphore.Weighted
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	stopping bool
	inFlight sync.WaitGroup
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithMiddleware appends handler middleware, outermost first
func WithMiddleware(middleware ...Middleware) SubscriberOption {
	return func(s *Subscriber) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// WithSubscriptionLostHandler is called when the broker ends a subscription
func WithSubscriptionLostHandler(fn func(queue string, err error)) SubscriberOption {
	return func(s *Subscriber) {
		s.lostHandler = fn
	}
}

// NewSubscriber creates a new subscriber
func NewSubscriber(transport Transport, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		transport:     transport,
		logger:        slog.Default(),
		subscriptions: make(map[string]*activeSubscription),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

type subscribeConfig struct {
	prefetch    int
	concurrency int
}

// SubscribeOption configures one subscription
type SubscribeOption func(*subscribeConfig)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.prefetch = count
	}
}

// WithConcurrency bounds concurrently running handlers; defaults to the prefetch count
func WithConcurrency(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.concurrency = n
	}
}

// Subscribe starts consuming queue. Cancelling ctx unsubscribes.
func (s *Subscriber) Subscribe(ctx context.Context, queue string, handler Handler, options ...SubscribeOption) error {
	if queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	cfg := subscribeConfig{prefetch: DefaultPrefetchCount}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = cfg.prefetch
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[queue]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}

	subCtx, cancel := context.WithCancel(ctx)
	as := &activeSubscription{
		queue:   queue,
		sem:     semaphore.NewWeighted(int64(cfg.concurrency)),
		handler: Chain(handler, append([]Middleware{Recover(s.logger)}, s.middleware...)...),
		ctx:     subCtx,
		cancel:  cancel,
	}

	sub, err := s.transport.Consume(ctx, queue, ConsumeOptions{PrefetchCount: cfg.prefetch}, func(d Delivery) {
		s.onDelivery(as, d)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", queue, err)
	}
	as.sub = sub
	s.subscriptions[queue] = as

	go s.watch(as)

	s.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetch", cfg.prefetch,
		"concurrency", cfg.concurrency,
	)
	return nil
}

// Unsubscribe stops consuming queue after in-flight handlers complete
func (s *Subscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	as, exists := s.subscriptions[queue]
	delete(s.subscriptions, queue)
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, queue)
	}

	err := as.stop()
	s.logger.Info("unsubscribed from queue", "queue", queue)
	return err
}

// Close unsubscribes from every queue
func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = make(map[string]*activeSubscription)
	s.mu.Unlock()

	var errs []error
	for _, as := range subs {
		if err := as.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queues returns the subscribed queue names
func (s *Subscriber) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := make([]string, 0, len(s.subscriptions))
	for q := range s.subscriptions {
		queues = append(queues, q)
	}
	return queues
}

func (s *Subscriber) onDelivery(as *activeSubscription, d Delivery) {
	if err := as.sem.Acquire(as.ctx, 1); err != nil {
		s.requeue(as.queue, d)
		return
	}

	as.mu.Lock()
	if as.stopping {
		as.mu.Unlock()
		as.sem.Release(1)
		s.requeue(as.queue, d)
		return
	}
	as.inFlight.Add(1)
	as.mu.Unlock()

	// Handlers outlive Unsubscribe's cancel so they can finish and ack.
	handlerCtx := context.WithoutCancel(as.ctx)
	go func() {
		defer as.inFlight.Done()
		defer as.sem.Release(1)
		s.process(handlerCtx, as, d)
	}()
}

func (s *Subscriber) process(ctx context.Context, as *activeSubscription, d Delivery) {
	if err := as.handler.Handle(ctx, d); err != nil {
		s.logger.Warn("handler failed, requeueing",
			"queue", as.queue,
			"correlationId", d.CorrelationID(),
			"error", err,
		)
		s.requeue(as.queue, d)
		return
	}

	if err := d.Ack(); err != nil {
		s.logger.Error("failed to ack delivery",
			"queue", as.queue,
			"correlationId", d.CorrelationID(),
			"error", err,
		)
	}
}

func (s *Subscriber) requeue(queue string, d Delivery) {
	if err := d.Nack(true); err != nil {
		s.logger.Error("failed to nack delivery",
			"queue", queue,
			"correlationId", d.CorrelationID(),
			"error", err,
		)
	}
}

// watch ends the subscription when ctx is cancelled or the broker drops it
func (s *Subscriber) watch(as *activeSubscription) {
	select {
	case <-as.ctx.Done():
		s.forget(as)
		if err := as.stop(); err != nil {
			s.logger.Warn("failed to cancel subscription", "queue", as.queue, "error", err)
		}

	case <-as.sub.Done():
		if !as.markStopping() {
			return
		}
		s.forget(as)
		as.cancel()
		as.inFlight.Wait()

		err := as.sub.Err()
		if err == nil {
			err = ErrSubscriptionLost
		}
		s.logger.Error("subscription lost", "queue", as.queue, "error", err)
		if s.lostHandler != nil {
			s.lostHandler(as.queue, err)
		}
	}
}

func (s *Subscriber) forget(as *activeSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions[as.queue] == as {
		delete(s.subscriptions, as.queue)
	}
}

// markStopping reports whether this call moved the subscription to stopping
func (as *activeSubscription) markStopping() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.stopping {
		return false
	}
	as.stopping = true
	return true
}

func (as *activeSubscription) stop() error {
	if !as.markStopping() {
		return nil
	}
	as.cancel()
	as.inFlight.Wait()
	return as.sub.Cancel()
}
