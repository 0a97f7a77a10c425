package mmate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/idempotency"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reserveStock struct {
	contracts.BaseCommand
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type reservation struct {
	SKU      string `json:"sku"`
	Reserved int    `json:"reserved"`
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()

	client, err := NewClientWithTransport(broker)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.DeclareCommandQueue(ctx, "stock.exchange", "stock.reserve", "stock.reserve"))

	var calls atomic.Int32
	err = Handle(ctx, client, "stock.reserve", func(ctx context.Context, cmd reserveStock) (reservation, error) {
		calls.Add(1)
		return reservation{SKU: cmd.SKU, Reserved: cmd.Quantity}, nil
	})
	require.NoError(t, err)

	cmd := reserveStock{BaseCommand: contracts.NewBaseCommand(), SKU: "sku-1", Quantity: 3}
	got, err := Call[reservation](ctx, client, "stock.exchange", "stock.reserve", cmd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, reservation{SKU: "sku-1", Reserved: 3}, got)

	processed, err := client.Ledger().Exists(ctx, cmd.CommandID)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, client.Caller().Pending())
}

func TestClientOptions(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		_, err := NewClientWithTransport(nil)
		assert.Error(t, err)
	})

	t.Run("duplicate policy reaches the dispatcher", func(t *testing.T) {
		client, err := NewClientWithTransport(memory.NewBroker(),
			WithDuplicatePolicy(messaging.DuplicateReplyFromCache),
			WithLedgerRetention(time.Hour),
			WithRedeliveryHorizon(30*time.Minute),
			WithCircuitBreaker(3, time.Second),
		)
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, messaging.DuplicateReplyFromCache, client.Dispatcher().Policy())
		assert.Equal(t, time.Hour, client.Ledger().Retention())
	})
}

func TestClientHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("memory store only checks the broker", func(t *testing.T) {
		broker := memory.NewBroker()
		client, err := NewClientWithTransport(broker)
		require.NoError(t, err)
		defer client.Close()

		overall := client.Health().Check(ctx)
		assert.Equal(t, health.StatusHealthy, overall.Status)
		assert.Len(t, overall.Checks, 1)

		broker.SimulateConnectionLoss()
		assert.Equal(t, health.StatusUnhealthy, client.Health().Check(ctx).Status)
	})

	t.Run("redis store is checked", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer rdb.Close()

		client, err := NewClientWithTransport(memory.NewBroker(), WithStore(idempotency.NewRedisStore(rdb)))
		require.NoError(t, err)
		defer client.Close()

		overall := client.Health().Check(ctx)
		assert.Equal(t, health.StatusHealthy, overall.Status)
		assert.Contains(t, overall.Checks, "store")

		mr.Close()
		overall = client.Health().Check(ctx)
		assert.Equal(t, health.StatusUnhealthy, overall.Checks["store"].Status)
	})
}
