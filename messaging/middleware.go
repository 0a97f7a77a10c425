package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Handler processes one delivery. A nil return acks the delivery,
// an error nacks it with requeue.
type Handler interface {
	Handle(ctx context.Context, delivery Delivery) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, delivery Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

// Middleware wraps a Handler
type Middleware func(Handler) Handler

// Chain applies middleware so the first one is outermost
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// PanicError is returned by Recover when a handler panics
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Recover turns handler panics into errors so the delivery is requeued
func Recover(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, delivery Delivery) (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					logger.Error("handler panicked",
						"correlationId", delivery.CorrelationID(),
						"panic", r,
						"stack", string(stack),
					)
					err = &PanicError{Value: r, Stack: stack}
				}
			}()
			return next.Handle(ctx, delivery)
		})
	}
}

// Logging logs every delivery outcome with its duration
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, delivery Delivery) error {
			start := time.Now()
			err := next.Handle(ctx, delivery)

			attrs := []any{
				"correlationId", delivery.CorrelationID(),
				"messageId", delivery.MessageID(),
				"redelivered", delivery.Redelivered(),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("delivery failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("delivery handled", attrs...)
			}
			return err
		})
	}
}
