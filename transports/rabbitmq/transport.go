package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	topology   *rabbitmq.TopologyManager
	enableFIFO bool
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	EnableFIFO        bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithFIFOMode makes named queues single-active-consumer for strict ordering
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithLogger sets the logger on every internal component
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithLogger(logger))
		cfg.PublisherOptions = append(cfg.PublisherOptions, rabbitmq.WithPublisherLogger(logger))
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, rabbitmq.WithConsumerLogger(logger))
	}
}

// NewTransport connects to RabbitMQ and returns a ready transport
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, cfg.ConnectionOptions...)
	if err := manager.Connect(ctx); err != nil {
		return nil, &contracts.TransportError{Op: "connect", Err: err}
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		_ = manager.Close()
		return nil, &contracts.TransportError{Op: "connect", Err: fmt.Errorf("failed to create channel pool: %w", err)}
	}

	return &Transport{
		manager:    manager,
		pool:       pool,
		publisher:  rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		consumer:   rabbitmq.NewConsumer(manager, cfg.ConsumerOptions...),
		topology:   rabbitmq.NewTopologyManager(pool),
		enableFIFO: cfg.EnableFIFO,
	}, nil
}

// Publish implements messaging.Publisher
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	err := t.publisher.Publish(ctx, exchange, routingKey, toAMQP(exchange, msg))
	if err != nil {
		return &contracts.TransportError{Op: "publish", Queue: routingKey, Err: err}
	}
	return nil
}

// DeclareExchange implements messaging.Transport
func (t *Transport) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	err := t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    name,
		Type:    kind,
		Durable: durable,
	})
	if err != nil {
		return &contracts.TransportError{Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue implements messaging.Transport
func (t *Transport) DeclareQueue(ctx context.Context, opts messaging.QueueOptions) (string, error) {
	args := make(amqp.Table, len(opts.Args)+1)
	for k, v := range opts.Args {
		args[k] = v
	}
	if t.enableFIFO && opts.Name != "" {
		args["x-single-active-consumer"] = true
	}

	name, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       opts.Name,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Exclusive:  opts.Exclusive,
		Arguments:  args,
	})
	if err != nil {
		return "", &contracts.TransportError{Op: "declare", Queue: opts.Name, Err: err}
	}
	return name, nil
}

// BindQueue implements messaging.Transport
func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	err := t.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
	})
	if err != nil {
		return &contracts.TransportError{Op: "bind", Queue: queue, Err: err}
	}
	return nil
}

// DeleteQueue implements messaging.Transport
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	if err := t.topology.DeleteQueue(ctx, name); err != nil {
		return &contracts.TransportError{Op: "delete", Queue: name, Err: err}
	}
	return nil
}

// QueueDepth returns the number of ready messages in a queue
func (t *Transport) QueueDepth(ctx context.Context, name string) (int, error) {
	return t.topology.QueueDepth(ctx, name)
}

// Consume implements messaging.Transport
func (t *Transport) Consume(ctx context.Context, queue string, opts messaging.ConsumeOptions, handler func(messaging.Delivery)) (messaging.Subscription, error) {
	info, err := t.consumer.Subscribe(ctx, queue, rabbitmq.ConsumeSettings{
		PrefetchCount: opts.PrefetchCount,
		AutoAck:       opts.AutoAck,
		Exclusive:     opts.Exclusive,
	}, func(d amqp.Delivery) {
		handler(&delivery{d: d})
	})
	if err != nil {
		return nil, &contracts.TransportError{Op: "consume", Queue: queue, Err: err}
	}
	return &subscription{info: info}, nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	return errors.Join(t.pool.Close(), t.manager.Close())
}

func toAMQP(exchange string, msg messaging.Publishing) amqp.Publishing {
	// replies go through the default exchange to short-lived queues
	mode := amqp.Persistent
	if exchange == messaging.DefaultExchange {
		mode = amqp.Transient
	}

	return amqp.Publishing{
		Headers:       amqp.Table(msg.Headers),
		ContentType:   msg.ContentType,
		DeliveryMode:  mode,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte                    { return d.d.Body }
func (d *delivery) CorrelationID() string           { return d.d.CorrelationId }
func (d *delivery) ReplyTo() string                 { return d.d.ReplyTo }
func (d *delivery) MessageID() string               { return d.d.MessageId }
func (d *delivery) Redelivered() bool               { return d.d.Redelivered }
func (d *delivery) Headers() map[string]interface{} { return d.d.Headers }
func (d *delivery) Ack() error                      { return d.d.Ack(false) }
func (d *delivery) Nack(requeue bool) error         { return d.d.Nack(false, requeue) }

type subscription struct {
	info *rabbitmq.ConsumerInfo
}

func (s *subscription) Queue() string         { return s.info.Queue }
func (s *subscription) Done() <-chan struct{} { return s.info.Done() }
func (s *subscription) Err() error            { return s.info.Err() }
func (s *subscription) Cancel() error         { return s.info.Cancel() }
