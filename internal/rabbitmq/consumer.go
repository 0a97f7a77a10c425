package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler is invoked for each delivery, one at a time
type DeliveryHandler func(delivery amqp.Delivery)

// ConsumeSettings configures one consumer
type ConsumeSettings struct {
	PrefetchCount int
	AutoAck       bool
	Exclusive     bool
}

// Consumer starts consumers, each on its own channel so that a channel-level
// error on one queue does not affect the others.
type Consumer struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks a running consumer
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string

	channel  *amqp.Channel
	done     chan struct{}
	mu       sync.Mutex
	canceled bool
	err      error
}

// Subscribe starts consuming queue; handler runs on the consumer goroutine
func (c *Consumer) Subscribe(ctx context.Context, queue string, settings ConsumeSettings, handler DeliveryHandler) (*ConsumerInfo, error) {
	tag := "mmate-" + uuid.NewString()
	fail := func(op string, err error) (*ConsumerInfo, error) {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	if err := ctx.Err(); err != nil {
		return fail("subscribe", err)
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return fail("open channel", err)
	}

	if settings.PrefetchCount > 0 && !settings.AutoAck {
		if err := ch.Qos(settings.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return fail("set qos", err)
		}
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume(queue, tag, settings.AutoAck, settings.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fail("consume", err)
	}

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		done:        make(chan struct{}),
	}

	go c.processMessages(info, deliveries, closes, cancels, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", settings.PrefetchCount,
	)

	return info, nil
}

// processMessages hands deliveries to handler until the channel stops
func (c *Consumer) processMessages(info *ConsumerInfo, deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error, cancels <-chan string, handler DeliveryHandler) {
	defer close(info.done)

	for delivery := range deliveries {
		handler(delivery)
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.canceled {
		return
	}

	select {
	case amqpErr := <-closes:
		if amqpErr != nil {
			info.err = amqpErr
		}
	case <-cancels:
		info.err = ErrConsumerCancelled
	default:
	}
	if info.err == nil {
		info.err = ErrConsumerCancelled
	}

	c.logger.Warn("consumer stopped by broker", "queue", info.Queue, "error", info.err)
}

// Done is closed once the consumer stops
func (info *ConsumerInfo) Done() <-chan struct{} {
	return info.done
}

// Err returns why the consumer stopped; nil after Cancel
func (info *ConsumerInfo) Err() error {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.err
}

// Cancel stops the consumer and closes its channel. Unacked deliveries are
// requeued by the broker.
func (info *ConsumerInfo) Cancel() error {
	info.mu.Lock()
	already := info.canceled
	info.canceled = true
	info.mu.Unlock()

	if already {
		<-info.done
		return nil
	}

	var errs []error
	if err := info.channel.Cancel(info.ConsumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("cancel consumer %s: %w", info.ConsumerTag, err))
		_ = info.channel.Close()
	}

	<-info.done

	if err := info.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	return errors.Join(errs...)
}
