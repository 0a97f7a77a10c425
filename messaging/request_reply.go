package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/google/uuid"
)

const cleanupTimeout = 5 * time.Second

// Caller sends commands and queries and waits for their correlated replies.
// Each call owns a private reply queue and a fresh correlation id.
type Caller struct {
	transport Transport
	codec     serialization.Codec
	breaker   *reliability.CircuitBreaker
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan []byte
}

// CallerOption configures the Caller
type CallerOption func(*Caller)

// WithCircuitBreaker guards request publishes with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) CallerOption {
	return func(c *Caller) {
		c.breaker = cb
	}
}

// WithCallerLogger sets the logger
func WithCallerLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) {
		c.logger = logger
	}
}

// WithCallerCodec sets the codec for requests and replies
func WithCallerCodec(codec serialization.Codec) CallerOption {
	return func(c *Caller) {
		c.codec = codec
	}
}

// NewCaller creates a new caller
func NewCaller(transport Transport, options ...CallerOption) *Caller {
	c := &Caller{
		transport: transport,
		codec:     serialization.JSONCodec{},
		logger:    slog.Default(),
		pending:   make(map[string]chan []byte),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Pending returns the number of calls awaiting a reply
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call publishes payload to exchange/routingKey and decodes the reply into R.
//
// Errors: *contracts.TimeoutError when no reply arrives within timeout,
// *contracts.ProtocolError when the payload or reply cannot be (de)serialized,
// *contracts.TransportError for broker failures, ctx.Err() on cancellation.
// A timed-out request may still be processed by a worker.
func Call[R any](ctx context.Context, c *Caller, exchange, routingKey string, payload any, timeout time.Duration) (R, error) {
	var zero R

	body, err := c.Request(ctx, exchange, routingKey, payload, timeout)
	if err != nil {
		return zero, err
	}

	return serialization.Decode[R](c.codec, body)
}

// Request is Call without decoding; it returns the raw reply body
func (c *Caller) Request(ctx context.Context, exchange, routingKey string, payload any, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("call %s/%s: %w", exchange, routingKey, ErrInvalidTimeout)
	}
	if !contracts.HasValidID(payload) {
		return nil, &contracts.ProtocolError{Op: "validate", Err: ErrMissingMessageID}
	}
	body, err := serialization.Encode(c.codec, payload)
	if err != nil {
		return nil, err
	}

	replyQueue, err := c.transport.DeclareQueue(ctx, QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, &contracts.TransportError{Op: "declare", Err: err}
	}
	defer c.deleteQueue(ctx, replyQueue)

	correlationID := uuid.NewString()
	replies := c.register(correlationID)
	defer c.unregister(correlationID)

	logger := c.logger.With("correlationId", correlationID, "replyTo", replyQueue)

	sub, err := c.transport.Consume(ctx, replyQueue, ConsumeOptions{AutoAck: true, Exclusive: true}, func(d Delivery) {
		if d.CorrelationID() != correlationID || !c.resolve(correlationID, d.Body()) {
			logger.Warn("discarding unmatched reply", "receivedCorrelationId", d.CorrelationID())
		}
	})
	if err != nil {
		return nil, &contracts.TransportError{Op: "consume", Queue: replyQueue, Err: err}
	}
	defer func() {
		if err := sub.Cancel(); err != nil {
			logger.Warn("failed to cancel reply consumer", "error", err)
		}
	}()

	if err := c.publish(ctx, exchange, routingKey, Publishing{
		Body:          body,
		ContentType:   c.codec.ContentType(),
		CorrelationID: correlationID,
		ReplyTo:       replyQueue,
		MessageID:     messageIDString(payload),
	}, timeout); err != nil {
		return nil, c.classifyPublishError(ctx, err, exchange, routingKey, correlationID, timeout)
	}

	logger.Debug("request published", "exchange", exchange, "routingKey", routingKey)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil

	case <-timer.C:
		return nil, &contracts.TimeoutError{
			Exchange:      exchange,
			RoutingKey:    routingKey,
			CorrelationID: correlationID,
			Timeout:       timeout,
		}

	case <-sub.Done():
		cause := sub.Err()
		if cause == nil {
			cause = ErrSubscriptionLost
		}
		return nil, &contracts.TransportError{Op: "subscription", Queue: replyQueue, Err: cause}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Caller) publish(ctx context.Context, exchange, routingKey string, msg Publishing, timeout time.Duration) error {
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	publish := func() error {
		return c.transport.Publish(pubCtx, exchange, routingKey, msg)
	}
	if c.breaker != nil {
		return c.breaker.Execute(pubCtx, publish)
	}
	return publish()
}

func (c *Caller) classifyPublishError(ctx context.Context, err error, exchange, routingKey, correlationID string, timeout time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &contracts.TimeoutError{
			Exchange:      exchange,
			RoutingKey:    routingKey,
			CorrelationID: correlationID,
			Timeout:       timeout,
		}
	}

	var transportErr *contracts.TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	return &contracts.TransportError{Op: "publish", Err: err}
}

func (c *Caller) register(correlationID string) chan []byte {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Caller) unregister(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// resolve hands body to the waiting call; only the first reply wins
func (c *Caller) resolve(correlationID string, body []byte) bool {
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- body:
		return true
	default:
		return false
	}
}

func (c *Caller) deleteQueue(ctx context.Context, queue string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := c.transport.DeleteQueue(ctx, queue); err != nil {
		c.logger.Warn("failed to delete reply queue", "queue", queue, "error", err)
	}
}

func messageIDString(payload any) string {
	if m, ok := payload.(contracts.Identified); ok {
		return m.MessageID().String()
	}
	return ""
}
