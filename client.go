// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/idempotency"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// Client wires a transport to the RPC caller, the subscriber and the
// idempotent dispatcher
type Client struct {
	transport  messaging.Transport
	store      idempotency.Store
	ledger     *idempotency.Ledger
	cache      *idempotency.ResponseCache
	caller     *messaging.Caller
	subscriber *messaging.Subscriber
	dispatcher *messaging.Dispatcher
	logger     *slog.Logger
}

// NewClient creates a client over RabbitMQ
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithMaxRetries(cfg.maxReconnects)),
	}
	if cfg.enableFIFO {
		transportOpts = append(transportOpts, rabbitmqTransport.WithFIFOMode(true))
	}

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	return client, nil
}

// NewClientWithTransport creates a client over an existing transport
func NewClientWithTransport(transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	return newClient(transport, newClientConfig(options))
}

func newClient(transport messaging.Transport, cfg *clientConfig) (*Client, error) {
	store := cfg.store
	if store == nil {
		cfg.logger.Warn("no idempotency store configured, duplicates are only suppressed within this process")
		store = idempotency.NewMemoryStore()
	}

	ledger := idempotency.NewLedger(store, idempotency.WithRetention(cfg.retention))
	cache := idempotency.NewResponseCache(store, idempotency.WithCacheLogger(cfg.logger))

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithResponseCache(cache),
		messaging.WithDuplicatePolicy(cfg.policy),
		messaging.WithDispatcherLogger(cfg.logger),
	}
	if cfg.redeliveryHorizon > 0 {
		dispatcherOpts = append(dispatcherOpts, messaging.WithRedeliveryHorizon(cfg.redeliveryHorizon))
	}
	dispatcher, err := messaging.NewDispatcher(transport, ledger, dispatcherOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	callerOpts := []messaging.CallerOption{messaging.WithCallerLogger(cfg.logger)}
	if cfg.breakerThreshold > 0 {
		callerOpts = append(callerOpts, messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("rpc-publish"),
			reliability.WithFailureThreshold(cfg.breakerThreshold),
			reliability.WithTimeout(cfg.breakerTimeout),
			reliability.WithBreakerLogger(cfg.logger),
		)))
	}

	return &Client{
		transport: transport,
		store:     store,
		ledger:    ledger,
		cache:     cache,
		caller:    messaging.NewCaller(transport, callerOpts...),
		subscriber: messaging.NewSubscriber(transport,
			messaging.WithSubscriberLogger(cfg.logger),
			messaging.WithMiddleware(messaging.Logging(cfg.logger)),
		),
		dispatcher: dispatcher,
		logger:     cfg.logger,
	}, nil
}

// Call sends payload and waits for the typed reply
func Call[R any](ctx context.Context, c *Client, exchange, routingKey string, payload any, timeout time.Duration) (R, error) {
	return messaging.Call[R](ctx, c.caller, exchange, routingKey, payload, timeout)
}

// Handle subscribes fn to queue through the idempotent dispatcher
func Handle[C contracts.Identified, R any](ctx context.Context, c *Client, queue string, fn messaging.CommandHandlerFunc[C, R], options ...messaging.HandlerOption) error {
	return c.subscriber.Subscribe(ctx, queue, messaging.HandlerFor(c.dispatcher, fn, options...))
}

// Subscribe registers a raw delivery handler on queue
func (c *Client) Subscribe(ctx context.Context, queue string, handler messaging.Handler, options ...messaging.SubscribeOption) error {
	return c.subscriber.Subscribe(ctx, queue, handler, options...)
}

// DeclareCommandQueue declares a durable direct exchange and a durable queue
// bound to it with routingKey
func (c *Client) DeclareCommandQueue(ctx context.Context, exchange, queue, routingKey string) error {
	if err := c.transport.DeclareExchange(ctx, exchange, messaging.ExchangeDirect, true); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if _, err := c.transport.DeclareQueue(ctx, messaging.QueueOptions{Name: queue, Durable: true}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := c.transport.BindQueue(ctx, queue, exchange, routingKey); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	c.logger.Info("command queue declared", "exchange", exchange, "queue", queue, "routingKey", routingKey)
	return nil
}

// Health builds a registry with the broker check and, when the store
// supports it, a store check
func (c *Client) Health() *health.Registry {
	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker(c.transport))
	if pinger, ok := c.store.(health.Pinger); ok {
		registry.Register(health.NewStoreChecker(pinger))
	}
	return registry
}

// Caller returns the RPC caller
func (c *Client) Caller() *messaging.Caller {
	return c.caller
}

// Subscriber returns the subscriber
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Dispatcher returns the idempotent dispatcher
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Ledger returns the processed-command ledger
func (c *Client) Ledger() *idempotency.Ledger {
	return c.ledger
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close stops all subscriptions, waiting for in-flight handlers, then
// closes the transport
func (c *Client) Close() error {
	var errs []error
	if c.subscriber != nil {
		errs = append(errs, c.subscriber.Close())
	}
	if c.transport != nil {
		errs = append(errs, c.transport.Close())
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	enableFIFO        bool
	maxReconnects     int
	store             idempotency.Store
	retention         time.Duration
	policy            messaging.DuplicatePolicy
	redeliveryHorizon time.Duration
	breakerThreshold  int
	breakerTimeout    time.Duration
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		maxReconnects:  -1,
		retention:      idempotency.DefaultRetention,
		policy:         messaging.DuplicateAbsorb,
		breakerTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithFIFOMode enables single-active-consumer queues on RabbitMQ
func WithFIFOMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.enableFIFO = enabled
	}
}

// WithMaxReconnects bounds reconnect attempts; -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxReconnects = n
	}
}

// WithStore sets the store shared by the ledger and response cache.
// Use a RedisStore when more than one worker consumes the same queue.
func WithStore(store idempotency.Store) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = store
	}
}

// WithLedgerRetention sets how long processed command ids are remembered
func WithLedgerRetention(retention time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retention = retention
	}
}

// WithDuplicatePolicy sets how redelivered commands are answered
func WithDuplicatePolicy(policy messaging.DuplicatePolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.policy = policy
	}
}

// WithRedeliveryHorizon sets the longest expected redelivery delay
func WithRedeliveryHorizon(horizon time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redeliveryHorizon = horizon
	}
}

// WithCircuitBreaker guards RPC publishes with a breaker that opens after
// threshold consecutive failures
func WithCircuitBreaker(threshold int, timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerThreshold = threshold
		cfg.breakerTimeout = timeout
	}
}
