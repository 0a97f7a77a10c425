package messaging

import "errors"

var (
	// ErrInvalidTimeout is returned by Call when no positive deadline is given
	ErrInvalidTimeout = errors.New("messaging: call timeout must be positive")
	// ErrMissingMessageID is wrapped in a ProtocolError for payloads with a nil id
	ErrMissingMessageID = errors.New("messaging: message id is nil")
	// ErrAlreadySubscribed is returned when a queue already has a consumer
	ErrAlreadySubscribed = errors.New("messaging: queue already subscribed")
	// ErrNotSubscribed is returned by Unsubscribe for unknown queues
	ErrNotSubscribed = errors.New("messaging: queue not subscribed")
	// ErrCommandInProgress is returned by Dispatch when another worker holds
	// the claim on a command id; the delivery is requeued
	ErrCommandInProgress = errors.New("messaging: command is being processed elsewhere")
	// ErrSubscriptionLost is used when a subscription ends without a reported cause
	ErrSubscriptionLost = errors.New("messaging: subscription lost")
)
