package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every TimeoutError
	ErrTimeout = errors.New("rpc: no reply before deadline")
	// ErrProtocol matches every ProtocolError
	ErrProtocol = errors.New("rpc: malformed message")
	// ErrTransport matches every TransportError
	ErrTransport = errors.New("rpc: transport failure")
	// ErrStorageUnavailable matches every StorageUnavailableError
	ErrStorageUnavailable = errors.New("rpc: storage unavailable")
)

// TimeoutError is returned by a call that received no reply in time.
// The request may still be processed later by a worker.
type TimeoutError struct {
	Exchange      string
	RoutingKey    string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc timeout: no reply for %s/%s (correlationId=%s) within %v",
		e.Exchange, e.RoutingKey, e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolError reports an envelope or reply that could not be decoded
type ProtocolError struct {
	Op  string // decode, encode, validate
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc protocol error: %s failed: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// TransportError reports a broker connection or channel failure
type TransportError struct {
	Op    string // declare, consume, publish, subscription
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("rpc transport error: %s on %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("rpc transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// StorageUnavailableError reports that the ledger or cache store could not
// answer. It must never be read as "not processed".
type StorageUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StorageUnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// IsRetryable reports whether a caller may reasonably retry after err.
// Protocol errors are permanent; the rest are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrProtocol):
		return false
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransport), errors.Is(err, ErrStorageUnavailable):
		return true
	}
	return false
}
