package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/idempotency"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		v := viper.New()
		newRootCommand(v)

		s, err := loadSettings(v)
		require.NoError(t, err)
		assert.Equal(t, "memory", s.Store)
		assert.Equal(t, idempotency.DefaultRetention, s.LedgerRetention)
		assert.Equal(t, messaging.DuplicateAbsorb, s.DuplicatePolicy)
	})

	t.Run("environment overrides flags", func(t *testing.T) {
		t.Setenv("RPCBUS_STORE", "redis")
		t.Setenv("RPCBUS_REDIS_ADDR", "cache:6379")
		t.Setenv("RPCBUS_LEDGER_RETENTION", "48h")
		t.Setenv("RPCBUS_DUPLICATE_POLICY", "reply-from-cache")

		v := viper.New()
		newRootCommand(v)

		s, err := loadSettings(v)
		require.NoError(t, err)
		assert.Equal(t, "redis", s.Store)
		assert.Equal(t, "cache:6379", s.RedisAddr)
		assert.Equal(t, 48*time.Hour, s.LedgerRetention)
		assert.Equal(t, messaging.DuplicateReplyFromCache, s.DuplicatePolicy)
	})

	t.Run("rejects bad values", func(t *testing.T) {
		for key, value := range map[string]string{
			"RPCBUS_STORE":            "etcd",
			"RPCBUS_DUPLICATE_POLICY": "drop",
			"RPCBUS_LEDGER_RETENTION": "0s",
		} {
			t.Run(key, func(t *testing.T) {
				t.Setenv(key, value)
				v := viper.New()
				newRootCommand(v)

				_, err := loadSettings(v)
				assert.Error(t, err)
			})
		}
	})
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, release, err := newStore(ctx, settings{Store: "memory"})
		require.NoError(t, err)
		defer release()
		assert.IsType(t, &idempotency.MemoryStore{}, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, release, err := newStore(ctx, settings{Store: "redis", RedisAddr: mr.Addr()})
		require.NoError(t, err)
		defer release()
		assert.IsType(t, &idempotency.RedisStore{}, store)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, _, err := newStore(ctx, settings{Store: "redis", RedisAddr: addr})
		assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
	})
}

func TestInventory(t *testing.T) {
	ctx := context.Background()
	inv := newInventory(map[string]int{"sku-1": 5})

	res, err := inv.createOrder(ctx, CreateOrder{BaseCommand: contracts.NewBaseCommand(), SKU: "sku-1", Quantity: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, 2, res.Remaining)

	res, err = inv.createOrder(ctx, CreateOrder{BaseCommand: contracts.NewBaseCommand(), SKU: "sku-1", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, "insufficient stock", res.Error)
	assert.Empty(t, res.OrderID)

	res, err = inv.createOrder(ctx, CreateOrder{BaseCommand: contracts.NewBaseCommand(), SKU: "sku-9", Quantity: 1})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "unknown sku")

	level, err := inv.getStock(ctx, GetStock{BaseQuery: contracts.NewBaseQuery(), SKU: "sku-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, level.Available)
}

func TestServeOrders(t *testing.T) {
	ctx := context.Background()
	client, err := mmate.NewClientWithTransport(memory.NewBroker())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, serveOrders(ctx, client, newInventory(defaultStock()), 4))

	res, err := createOrder(ctx, client, "sku-cherry", 4, time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, 6, res.Remaining)

	level, err := queryStock(ctx, client, "sku-cherry", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 6, level.Available)

	res, err = createOrder(ctx, client, "sku-cherry", 7, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "insufficient stock", res.Error)
}

func TestPrintJSON(t *testing.T) {
	cmd := newRootCommand(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, printJSON(cmd, StockLevel{SKU: "sku-1", Available: 3}))

	var level StockLevel
	require.NoError(t, json.Unmarshal(out.Bytes(), &level))
	assert.Equal(t, 3, level.Available)
}
