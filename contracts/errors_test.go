package contracts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Run("typed errors match their sentinel through wrapping", func(t *testing.T) {
		cause := errors.New("boom")

		timeout := fmt.Errorf("call: %w", &TimeoutError{Exchange: "orders.exchange", RoutingKey: "orders.create", Timeout: time.Second})
		protocol := fmt.Errorf("call: %w", &ProtocolError{Op: "decode", Err: cause})
		transport := fmt.Errorf("call: %w", &TransportError{Op: "publish", Err: cause})
		storage := fmt.Errorf("ledger: %w", &StorageUnavailableError{Op: "exists", Key: "processed:x", Err: cause})

		assert.ErrorIs(t, timeout, ErrTimeout)
		assert.ErrorIs(t, protocol, ErrProtocol)
		assert.ErrorIs(t, protocol, cause)
		assert.ErrorIs(t, transport, ErrTransport)
		assert.ErrorIs(t, storage, ErrStorageUnavailable)

		assert.NotErrorIs(t, storage, ErrTransport)
		assert.NotErrorIs(t, timeout, ErrProtocol)
	})

	t.Run("errors.As extracts context", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &TransportError{Op: "consume", Queue: "amq.gen-1", Err: errors.New("closed")})

		var transportErr *TransportError
		assert.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "consume", transportErr.Op)
		assert.Contains(t, err.Error(), "amq.gen-1")
	})

	t.Run("IsRetryable", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
		assert.False(t, IsRetryable(&ProtocolError{Op: "decode", Err: errors.New("x")}))
		assert.True(t, IsRetryable(&TimeoutError{}))
		assert.True(t, IsRetryable(&TransportError{Op: "publish", Err: errors.New("x")}))
		assert.True(t, IsRetryable(&StorageUnavailableError{Op: "get", Err: errors.New("x")}))
		assert.False(t, IsRetryable(errors.New("domain")))
	})
}

func TestIdentifiers(t *testing.T) {
	t.Run("NewBaseCommand assigns fresh ids", func(t *testing.T) {
		a := NewBaseCommand()
		b := NewBaseCommand()
		assert.NotEqual(t, uuid.Nil, a.MessageID())
		assert.NotEqual(t, a.MessageID(), b.MessageID())
	})

	t.Run("HasValidID", func(t *testing.T) {
		type order struct {
			BaseCommand
			SKU string
		}
		type lookup struct {
			BaseQuery
		}

		assert.True(t, HasValidID(order{BaseCommand: NewBaseCommand()}))
		assert.False(t, HasValidID(order{}))
		assert.True(t, HasValidID(lookup{BaseQuery: NewBaseQuery()}))
		assert.False(t, HasValidID(lookup{}))
		assert.True(t, HasValidID(map[string]string{"k": "v"}))
	})
}
