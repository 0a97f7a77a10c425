package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds Publish when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithRetryPolicy sets the retry policy for failed publishes
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	attempts := 0
	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		attempts++
		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err != nil && attempts <= p.retryPolicy.MaxRetries() {
			p.logger.Warn("publish attempt failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempts,
				"error", err,
			)
		}
		return err
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Attempts:   attempts,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// publishWithConfirm publishes once on a pooled confirm-mode channel
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return &ChannelError{Op: "publish", ChannelID: ch.ID(), Err: err, Timestamp: time.Now()}
	}
	if confirmation == nil {
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
