package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

const (
	ordersExchange    = "orders.exchange"
	ordersCreateQueue = "orders.create"
	ordersStockQueue  = "orders.stock"
)

// CreateOrder reserves stock for a SKU
type CreateOrder struct {
	contracts.BaseCommand
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// GetStock asks for the available quantity of a SKU
type GetStock struct {
	contracts.BaseQuery
	SKU string `json:"sku"`
}

// OrderResult is the reply to CreateOrder. Error carries domain failures.
type OrderResult struct {
	OrderID   string `json:"orderId,omitempty"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// StockLevel is the reply to GetStock
type StockLevel struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
}

type inventory struct {
	mu    sync.Mutex
	stock map[string]int
}

func newInventory(stock map[string]int) *inventory {
	return &inventory{stock: stock}
}

func defaultStock() map[string]int {
	return map[string]int{
		"sku-apple":  100,
		"sku-banana": 50,
		"sku-cherry": 10,
	}
}

func (inv *inventory) createOrder(ctx context.Context, cmd CreateOrder) (OrderResult, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	result := OrderResult{SKU: cmd.SKU, Quantity: cmd.Quantity}
	available, ok := inv.stock[cmd.SKU]
	switch {
	case cmd.Quantity <= 0:
		result.Error = "quantity must be positive"
	case !ok:
		result.Error = fmt.Sprintf("unknown sku %s", cmd.SKU)
	case available < cmd.Quantity:
		result.Error = "insufficient stock"
		result.Remaining = available
	default:
		inv.stock[cmd.SKU] = available - cmd.Quantity
		result.OrderID = "ord-" + cmd.CommandID.String()[:8]
		result.Remaining = available - cmd.Quantity
	}
	return result, nil
}

func (inv *inventory) getStock(ctx context.Context, q GetStock) (StockLevel, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return StockLevel{SKU: q.SKU, Available: inv.stock[q.SKU]}, nil
}

// serveOrders declares the order topology and subscribes both handlers
func serveOrders(ctx context.Context, client *mmate.Client, inv *inventory, concurrency int) error {
	if err := client.DeclareCommandQueue(ctx, ordersExchange, ordersCreateQueue, ordersCreateQueue); err != nil {
		return err
	}
	if err := client.DeclareCommandQueue(ctx, ordersExchange, ordersStockQueue, ordersStockQueue); err != nil {
		return err
	}

	opts := []messaging.SubscribeOption{messaging.WithConcurrency(concurrency)}
	if concurrency > messaging.DefaultPrefetchCount {
		opts = append(opts, messaging.WithPrefetchCount(concurrency))
	}

	create := messaging.HandlerFor(client.Dispatcher(), inv.createOrder, messaging.WithCache(5*time.Minute))
	if err := client.Subscribe(ctx, ordersCreateQueue, create, opts...); err != nil {
		return err
	}
	stock := messaging.HandlerFor(client.Dispatcher(), inv.getStock)
	return client.Subscribe(ctx, ordersStockQueue, stock, opts...)
}

func createOrder(ctx context.Context, client *mmate.Client, sku string, quantity int, timeout time.Duration) (OrderResult, error) {
	cmd := CreateOrder{BaseCommand: contracts.NewBaseCommand(), SKU: sku, Quantity: quantity}
	return mmate.Call[OrderResult](ctx, client, ordersExchange, ordersCreateQueue, cmd, timeout)
}

func queryStock(ctx context.Context, client *mmate.Client, sku string, timeout time.Duration) (StockLevel, error) {
	q := GetStock{BaseQuery: contracts.NewBaseQuery(), SKU: sku}
	return mmate.Call[StockLevel](ctx, client, ordersExchange, ordersStockQueue, q, timeout)
}
