package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/idempotency"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ProcessedLedger records which command ids have been handled
type ProcessedLedger interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
}

// CommandClaimer is implemented by ledgers that can reserve a command id
// across workers while its handler runs. idempotency.Ledger implements it.
type CommandClaimer interface {
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Release(ctx context.Context, id uuid.UUID) error
}

// ResponseStore caches encoded replies by correlation id
type ResponseStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetOrCompute(ctx context.Context, key string, fn idempotency.ComputeFunc, ttl time.Duration, enabled bool) ([]byte, error)
}

// DuplicatePolicy decides what happens to an already processed command
type DuplicatePolicy int

const (
	// DuplicateAbsorb acks duplicates without handler call or reply
	DuplicateAbsorb DuplicatePolicy = iota
	// DuplicateReplyFromCache re-emits the cached reply when one exists
	DuplicateReplyFromCache
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateAbsorb:
		return "absorb"
	case DuplicateReplyFromCache:
		return "reply-from-cache"
	default:
		return "unknown"
	}
}

// ParseDuplicatePolicy parses the String form of a policy
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "absorb", "":
		return DuplicateAbsorb, nil
	case "reply-from-cache":
		return DuplicateReplyFromCache, nil
	}
	return DuplicateAbsorb, fmt.Errorf("unknown duplicate policy %q", s)
}

// Dispatcher runs the idempotent command loop. Concurrent deliveries of the
// same command id are collapsed onto one handler run.
type Dispatcher struct {
	publisher         Publisher
	ledger            ProcessedLedger
	claimer           CommandClaimer
	inflight          singleflight.Group
	cache             ResponseStore
	policy            DuplicatePolicy
	codec             serialization.Codec
	redeliveryHorizon time.Duration
	logger            *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithResponseCache enables per-handler response caching
func WithResponseCache(cache ResponseStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.cache = cache
	}
}

// WithDuplicatePolicy sets how duplicates are answered
func WithDuplicatePolicy(policy DuplicatePolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithRedeliveryHorizon declares how long the broker may keep redelivering a
// message. A ledger retention shorter than this is logged as a warning.
func WithRedeliveryHorizon(horizon time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.redeliveryHorizon = horizon
	}
}

// WithDispatcherCodec sets the codec for commands and replies
func WithDispatcherCodec(codec serialization.Codec) DispatcherOption {
	return func(d *Dispatcher) {
		d.codec = codec
	}
}

// NewDispatcher creates a dispatcher publishing replies through publisher
func NewDispatcher(publisher Publisher, ledger ProcessedLedger, options ...DispatcherOption) (*Dispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}

	d := &Dispatcher{
		publisher: publisher,
		ledger:    ledger,
		policy:    DuplicateAbsorb,
		codec:     serialization.JSONCodec{},
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	d.claimer, _ = ledger.(CommandClaimer)

	if d.policy == DuplicateReplyFromCache && d.cache == nil {
		return nil, fmt.Errorf("duplicate policy %s requires a response cache", d.policy)
	}

	if r, ok := ledger.(interface{ Retention() time.Duration }); ok && d.redeliveryHorizon > r.Retention() {
		d.logger.Warn("ledger retention is shorter than the redelivery horizon; late duplicates may run twice",
			"retention", r.Retention(),
			"redeliveryHorizon", d.redeliveryHorizon,
		)
	}

	return d, nil
}

// Policy returns the configured duplicate policy
func (d *Dispatcher) Policy() DuplicatePolicy {
	return d.policy
}

type handlerConfig struct {
	cache bool
	ttl   time.Duration
}

// HandlerOption configures one handler
type HandlerOption func(*handlerConfig)

// WithCache caches the handler's encoded reply under its correlation id.
// A ttl of zero uses idempotency.DefaultResponseTTL.
func WithCache(ttl time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		c.cache = true
		c.ttl = ttl
	}
}

// CommandHandlerFunc handles a command of type C and returns its reply.
// Domain failures belong in R; a returned error means the command could not
// be processed and should be retried.
type CommandHandlerFunc[C contracts.Identified, R any] func(ctx context.Context, cmd C) (R, error)

// HandlerFor adapts fn into a subscriber Handler running Dispatch
func HandlerFor[C contracts.Identified, R any](d *Dispatcher, fn CommandHandlerFunc[C, R], options ...HandlerOption) Handler {
	return HandlerFunc(func(ctx context.Context, delivery Delivery) error {
		return Dispatch(ctx, d, delivery, fn, options...)
	})
}

// Dispatch processes one delivery. A nil return means the delivery should be
// acked: it was handled, absorbed as a duplicate, or dropped as malformed.
// An error means it should be requeued.
func Dispatch[C contracts.Identified, R any](ctx context.Context, d *Dispatcher, delivery Delivery, fn CommandHandlerFunc[C, R], options ...HandlerOption) error {
	var cfg handlerConfig
	for _, opt := range options {
		opt(&cfg)
	}

	logger := d.logger.With("correlationId", delivery.CorrelationID())

	cmd, err := serialization.Decode[C](d.codec, delivery.Body())
	if err != nil {
		logger.Error("dropping malformed message", "error", err)
		return nil
	}
	id, ok := messageID(cmd)
	if !ok {
		logger.Error("dropping message without id",
			"error", &contracts.ProtocolError{Op: "validate", Err: ErrMissingMessageID})
		return nil
	}
	logger = logger.With("commandId", id.String())

	// Copies of the same command arriving together wait for the first one.
	// The leader returns its correlation id so followers can tell whether
	// its reply already answered them.
	leader := false
	v, err, _ := d.inflight.Do(id.String(), func() (interface{}, error) {
		leader = true
		return delivery.CorrelationID(), process(ctx, d, delivery, id, cmd, fn, cfg, logger)
	})
	if leader {
		return err
	}

	if err != nil {
		return fmt.Errorf("concurrent delivery of command %s failed: %w", id, err)
	}
	if v.(string) == delivery.CorrelationID() {
		logger.Info("duplicate command absorbed; answered by concurrent delivery")
		return nil
	}
	d.handleDuplicate(ctx, delivery, logger)
	return nil
}

func process[C contracts.Identified, R any](ctx context.Context, d *Dispatcher, delivery Delivery, id uuid.UUID, cmd C, fn CommandHandlerFunc[C, R], cfg handlerConfig, logger *slog.Logger) error {
	processed, err := d.ledger.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("checking ledger for command %s: %w", id, err)
	}
	if processed {
		d.handleDuplicate(ctx, delivery, logger)
		return nil
	}

	if d.claimer != nil {
		claimed, err := d.claimer.Claim(ctx, id)
		if err != nil {
			return fmt.Errorf("claiming command %s: %w", id, err)
		}
		if !claimed {
			logger.Info("command claimed by another worker, requeueing")
			return fmt.Errorf("command %s: %w", id, ErrCommandInProgress)
		}
	}

	handled := false
	compute := func(ctx context.Context) ([]byte, error) {
		result, err := fn(ctx, cmd)
		if err != nil {
			return nil, err
		}
		handled = true
		return serialization.Encode(d.codec, result)
	}

	var body []byte
	if cfg.cache && d.cache != nil && delivery.CorrelationID() != "" {
		body, err = d.cache.GetOrCompute(ctx, idempotency.ResponseKey(delivery.CorrelationID()), compute, cfg.ttl, true)
	} else {
		body, err = compute(ctx)
	}

	if err != nil && !handled {
		d.release(ctx, id, logger)
		return fmt.Errorf("handling command %s: %w", id, err)
	}

	if markErr := d.ledger.MarkProcessed(ctx, id); markErr != nil {
		// the claim stays until it expires, holding off redeliveries meanwhile
		logger.Error("failed to record processed command; a redelivery may run it again", "error", markErr)
	} else {
		d.release(ctx, id, logger)
	}

	if err != nil {
		logger.Error("handled command but could not encode the reply", "error", err)
		return nil
	}

	d.reply(ctx, delivery, body, logger)
	return nil
}

func (d *Dispatcher) release(ctx context.Context, id uuid.UUID, logger *slog.Logger) {
	if d.claimer == nil {
		return
	}
	if err := d.claimer.Release(ctx, id); err != nil {
		logger.Warn("failed to release command claim; it expires on its own", "error", err)
	}
}

func (d *Dispatcher) handleDuplicate(ctx context.Context, delivery Delivery, logger *slog.Logger) {
	if d.policy != DuplicateReplyFromCache || delivery.ReplyTo() == "" || delivery.CorrelationID() == "" {
		logger.Info("duplicate command absorbed", "redelivered", delivery.Redelivered())
		return
	}

	cached, ok, err := d.cache.Get(ctx, idempotency.ResponseKey(delivery.CorrelationID()))
	switch {
	case err != nil:
		logger.Warn("duplicate command absorbed; response cache unavailable", "error", err)
	case !ok:
		logger.Info("duplicate command absorbed; no cached reply")
	default:
		logger.Info("duplicate command answered from cache")
		d.reply(ctx, delivery, cached, logger)
	}
}

func (d *Dispatcher) reply(ctx context.Context, delivery Delivery, body []byte, logger *slog.Logger) {
	replyTo := delivery.ReplyTo()
	if replyTo == "" {
		logger.Debug("no reply-to, treating as one-way command")
		return
	}

	err := d.publisher.Publish(ctx, DefaultExchange, replyTo, Publishing{
		Body:          body,
		ContentType:   d.codec.ContentType(),
		CorrelationID: delivery.CorrelationID(),
	})
	if err != nil {
		logger.Error("failed to publish reply; command stays processed",
			"replyTo", replyTo,
			"error", err,
		)
	}
}

// messageID returns the command id, treating nil pointers and uuid.Nil as missing
func messageID(cmd contracts.Identified) (uuid.UUID, bool) {
	if v := reflect.ValueOf(cmd); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return uuid.Nil, false
	}
	id := cmd.MessageID()
	return id, id != uuid.Nil
}
