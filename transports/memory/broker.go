package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/mmate-rpc/messaging"
)

var (
	// ErrConnectionLost ends every subscription when the connection drops
	ErrConnectionLost = errors.New("memory broker: connection lost")
	// ErrNotConnected is returned by operations while disconnected
	ErrNotConnected = errors.New("memory broker: not connected")
	// ErrQueueDeleted ends subscriptions on a deleted queue
	ErrQueueDeleted = errors.New("memory broker: queue deleted")
)

// Stats counts broker resource lifecycle events
type Stats struct {
	QueuesDeclared     int
	QueuesDeleted      int
	ConsumersStarted   int
	ConsumersCancelled int
	Published          int
	Unroutable         int
}

// Broker is an in-process messaging.Transport
type Broker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	exchanges map[string]*exchange
	queues    map[string]*queue
	connected bool
	seq       int
	stats     Stats
	logger    *slog.Logger
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	ready       []*message
	consumers   map[*consumer]struct{}
	hadConsumer bool
}

type message struct {
	msg         messaging.Publishing
	redelivered bool
}

// Option configures the Broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a connected broker
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		connected: true,
		logger:    slog.Default(),
	}
	b.cond = sync.NewCond(&b.mu)

	for _, opt := range options {
		opt(b)
	}

	return b
}

var _ messaging.Transport = (*Broker)(nil)

// Stats returns a snapshot of the lifecycle counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// QueueExists reports whether a queue is declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// ConsumerCount returns the number of consumers on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// IsConnected implements messaging.Transport
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SimulateConnectionLoss ends every subscription with ErrConnectionLost and
// drops exclusive queues. Operations fail until Reconnect.
func (b *Broker) SimulateConnectionLoss() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = false
	for name, q := range b.queues {
		for c := range q.consumers {
			b.terminateLocked(q, c, ErrConnectionLost)
		}
		if q.exclusive {
			b.deleteQueueLocked(name)
		}
	}
	b.cond.Broadcast()
	b.logger.Warn("memory broker connection lost")
}

// Reconnect restores the connection
func (b *Broker) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
}

// Close disconnects the broker and ends all subscriptions
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range b.queues {
		for c := range q.consumers {
			b.terminateLocked(q, c, nil)
		}
	}
	b.connected = false
	b.cond.Broadcast()
	return nil
}

// DeclareExchange implements messaging.Transport
func (b *Broker) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	if name == messaging.DefaultExchange {
		return fmt.Errorf("cannot redeclare the default exchange")
	}
	switch kind {
	case messaging.ExchangeDirect, messaging.ExchangeTopic, messaging.ExchangeFanout:
	default:
		return fmt.Errorf("unsupported exchange kind %q", kind)
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("exchange %s already declared as %s", name, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

// DeclareQueue implements messaging.Transport
func (b *Broker) DeclareQueue(ctx context.Context, opts messaging.QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return "", ErrNotConnected
	}

	name := opts.Name
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	if _, ok := b.queues[name]; ok {
		return name, nil
	}

	b.queues[name] = &queue{
		name:       name,
		durable:    opts.Durable,
		autoDelete: opts.AutoDelete,
		exclusive:  opts.Exclusive,
		consumers:  make(map[*consumer]struct{}),
	}
	b.stats.QueuesDeclared++
	return name, nil
}

// BindQueue implements messaging.Transport
func (b *Broker) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("exchange %s not found", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("queue %s not found", queueName)
	}

	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == routingKey {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: routingKey})
	return nil
}

// DeleteQueue implements messaging.Transport
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	b.deleteQueueLocked(name)
	return nil
}

// Publish implements messaging.Transport. Unroutable messages are dropped.
func (b *Broker) Publish(ctx context.Context, exchangeName, routingKey string, msg messaging.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}

	targets, err := b.routeLocked(exchangeName, routingKey)
	if err != nil {
		return err
	}

	b.stats.Published++
	if len(targets) == 0 {
		b.stats.Unroutable++
		b.logger.Debug("dropping unroutable message", "exchange", exchangeName, "routingKey", routingKey)
		return nil
	}

	for _, q := range targets {
		q.ready = append(q.ready, &message{msg: clonePublishing(msg)})
	}
	b.cond.Broadcast()
	return nil
}

func (b *Broker) routeLocked(exchangeName, routingKey string) ([]*queue, error) {
	if exchangeName == messaging.DefaultExchange {
		if q, ok := b.queues[routingKey]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, fmt.Errorf("exchange %s not found", exchangeName)
	}

	seen := make(map[string]bool)
	var targets []*queue
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(ex.kind, bd.key, routingKey) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			targets = append(targets, q)
		}
	}
	return targets, nil
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}

	for c := range q.consumers {
		b.terminateLocked(q, c, ErrQueueDeleted)
	}
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	b.stats.QueuesDeleted++
	b.cond.Broadcast()
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case messaging.ExchangeFanout:
		return true
	case messaging.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

// topicMatch implements AMQP topic patterns: * is one word, # is zero or more
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func clonePublishing(msg messaging.Publishing) messaging.Publishing {
	out := msg
	out.Body = append([]byte(nil), msg.Body...)
	if msg.Headers != nil {
		out.Headers = make(map[string]interface{}, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
