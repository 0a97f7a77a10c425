package messaging

import (
	"context"
)

// Exchange kinds
const (
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
	ExchangeFanout = "fanout"
)

// DefaultExchange routes by queue name
const DefaultExchange = ""

// Publishing is an outbound message
type Publishing struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Headers       map[string]interface{}
}

// Delivery represents a message delivery from the transport
type Delivery interface {
	// Body returns the message body
	Body() []byte

	// CorrelationID returns the correlation-id property
	CorrelationID() string

	// ReplyTo returns the reply-to property
	ReplyTo() string

	// MessageID returns the message-id property
	MessageID() string

	// Redelivered reports whether the broker delivered this message before
	Redelivered() bool

	// Headers returns message headers
	Headers() map[string]interface{}

	// Ack marks the message as successfully processed
	Ack() error

	// Nack rejects the message with optional requeue
	Nack(requeue bool) error
}

// Subscription is a running consumer on one queue
type Subscription interface {
	// Queue returns the consumed queue
	Queue() string

	// Done is closed when the subscription ends, by Cancel or by broker loss
	Done() <-chan struct{}

	// Err returns why the subscription ended; nil after Cancel
	Err() error

	// Cancel stops delivery and returns once the handler will not be invoked again.
	// It must not be called from inside the delivery handler.
	Cancel() error
}

// QueueOptions defines options for queue creation.
// An empty Name asks the broker to generate one.
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// ConsumeOptions configures a consumer
type ConsumeOptions struct {
	AutoAck       bool
	Exclusive     bool
	PrefetchCount int
}

// Publisher sends messages through a transport
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
}

// Transport is the broker surface used by Caller, Subscriber and Dispatcher
type Transport interface {
	Publisher

	// DeclareExchange creates an exchange if it doesn't exist
	DeclareExchange(ctx context.Context, name, kind string, durable bool) error

	// DeclareQueue creates a queue and returns its name
	DeclareQueue(ctx context.Context, opts QueueOptions) (string, error)

	// BindQueue creates a binding between queue and exchange
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// DeleteQueue deletes a queue; deleting a missing queue is not an error
	DeleteQueue(ctx context.Context, name string) error

	// Consume starts delivering messages from queue to handler, one at a time
	Consume(ctx context.Context, queue string, opts ConsumeOptions, handler func(Delivery)) (Subscription, error)

	// IsConnected returns connection status
	IsConnected() bool

	// Close closes all resources
	Close() error
}
