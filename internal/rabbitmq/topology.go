package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared.
// An empty Name lets the broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(ctx, exchange); err != nil {
			return err
		}
	}
	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(ctx, queue); err != nil {
			return err
		}
	}
	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(ctx, binding); err != nil {
			return err
		}
	}
	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	return wrapTopology(err, "exchange", exchange.Name, "declare")
}

// DeclareQueue declares a single queue and returns its (possibly generated) name
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (string, error) {
	var name string
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		name = q.Name
		return err
	})
	if err != nil {
		return "", wrapTopology(err, "queue", queue.Name, "declare")
	}
	return name, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
	})
	return wrapTopology(err, "binding", binding.Queue+"->"+binding.Exchange, "declare")
}

// DeleteQueue deletes a queue regardless of consumers or messages
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	return wrapTopology(err, "queue", name, "delete")
}

// QueueDepth returns the number of ready messages in a queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		depth = q.Messages
		return err
	})
	return depth, wrapTopology(err, "queue", name, "inspect")
}

func wrapTopology(err error, component, name, op string) error {
	if err == nil {
		return nil
	}
	return &TopologyError{Component: component, Name: name, Op: op, Err: err, Timestamp: time.Now()}
}
