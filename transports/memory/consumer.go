package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-rpc/messaging"
)

type consumer struct {
	broker  *Broker
	queue   *queue
	opts    messaging.ConsumeOptions
	handler func(messaging.Delivery)

	// guarded by broker.mu
	unacked    map[uint64]*message
	nextTag    uint64
	terminated bool
	err        error

	done     chan struct{}
	loopDone chan struct{}
}

// Consume implements messaging.Transport. Deliveries are handed to handler
// one at a time from a dedicated goroutine.
func (b *Broker) Consume(ctx context.Context, queueName string, opts messaging.ConsumeOptions, handler func(messaging.Delivery)) (messaging.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("queue %s not found", queueName)
	}
	for existing := range q.consumers {
		if opts.Exclusive || existing.opts.Exclusive {
			b.mu.Unlock()
			return nil, fmt.Errorf("queue %s is in exclusive use", queueName)
		}
	}

	c := &consumer{
		broker:   b,
		queue:    q,
		opts:     opts,
		handler:  handler,
		unacked:  make(map[uint64]*message),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	q.consumers[c] = struct{}{}
	q.hadConsumer = true
	b.stats.ConsumersStarted++
	b.mu.Unlock()

	go c.run()
	return &subscription{consumer: c}, nil
}

func (c *consumer) run() {
	defer close(c.loopDone)
	for {
		d, ok := c.next()
		if !ok {
			return
		}
		c.handler(d)
	}
}

// next blocks until a message may be delivered or the consumer ends
func (c *consumer) next() (*delivery, bool) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if c.terminated {
			return nil, false
		}
		if len(c.queue.ready) > 0 && c.hasCapacityLocked() {
			m := c.queue.ready[0]
			c.queue.ready = c.queue.ready[1:]
			c.nextTag++
			if !c.opts.AutoAck {
				c.unacked[c.nextTag] = m
			}
			return &delivery{consumer: c, tag: c.nextTag, msg: m.msg, redelivered: m.redelivered}, true
		}
		b.cond.Wait()
	}
}

func (c *consumer) hasCapacityLocked() bool {
	return c.opts.AutoAck || c.opts.PrefetchCount <= 0 || len(c.unacked) < c.opts.PrefetchCount
}

// terminateLocked ends a consumer; unacked messages go back to the queue head
func (b *Broker) terminateLocked(q *queue, c *consumer, err error) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.err = err
	delete(q.consumers, c)

	if b.queues[q.name] == q && len(c.unacked) > 0 {
		requeued := make([]*message, 0, len(c.unacked))
		for tag := uint64(1); tag <= c.nextTag; tag++ {
			if m, ok := c.unacked[tag]; ok {
				requeued = append(requeued, &message{msg: m.msg, redelivered: true})
			}
		}
		q.ready = append(requeued, q.ready...)
	}
	c.unacked = nil

	close(c.done)
	b.stats.ConsumersCancelled++
	b.cond.Broadcast()

	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 && !errors.Is(err, ErrQueueDeleted) {
		b.deleteQueueLocked(q.name)
	}
}

type subscription struct {
	consumer *consumer
}

func (s *subscription) Queue() string {
	return s.consumer.queue.name
}

func (s *subscription) Done() <-chan struct{} {
	return s.consumer.done
}

func (s *subscription) Err() error {
	b := s.consumer.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.consumer.err
}

func (s *subscription) Cancel() error {
	c := s.consumer
	c.broker.mu.Lock()
	c.broker.terminateLocked(c.queue, c, nil)
	c.broker.mu.Unlock()

	<-c.loopDone
	return nil
}

type delivery struct {
	consumer    *consumer
	tag         uint64
	msg         messaging.Publishing
	redelivered bool
}

func (d *delivery) Body() []byte                    { return d.msg.Body }
func (d *delivery) CorrelationID() string           { return d.msg.CorrelationID }
func (d *delivery) ReplyTo() string                 { return d.msg.ReplyTo }
func (d *delivery) MessageID() string               { return d.msg.MessageID }
func (d *delivery) Redelivered() bool               { return d.redelivered }
func (d *delivery) Headers() map[string]interface{} { return d.msg.Headers }

func (d *delivery) Ack() error {
	_, err := d.settle()
	return err
}

func (d *delivery) Nack(requeue bool) error {
	m, err := d.settle()
	if err != nil || !requeue {
		return err
	}

	b := d.consumer.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q := d.consumer.queue
	if b.queues[q.name] != q {
		return nil
	}
	requeued := &message{msg: m.msg, redelivered: true}
	q.ready = append([]*message{requeued}, q.ready...)
	b.cond.Broadcast()
	return nil
}

func (d *delivery) settle() (*message, error) {
	if d.consumer.opts.AutoAck {
		return nil, fmt.Errorf("delivery %d was auto-acknowledged", d.tag)
	}

	b := d.consumer.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := d.consumer.unacked[d.tag]
	if !ok {
		return nil, fmt.Errorf("unknown delivery tag %d", d.tag)
	}
	delete(d.consumer.unacked, d.tag)
	b.cond.Broadcast()
	return m, nil
}
