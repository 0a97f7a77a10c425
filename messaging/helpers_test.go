package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

type createOrder struct {
	contracts.BaseCommand
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type orderResult struct {
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type fakeDelivery struct {
	body          []byte
	correlationID string
	replyTo       string
	redelivered   bool

	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
}

func (d *fakeDelivery) Body() []byte                    { return d.body }
func (d *fakeDelivery) CorrelationID() string           { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string                 { return d.replyTo }
func (d *fakeDelivery) MessageID() string               { return "" }
func (d *fakeDelivery) Redelivered() bool               { return d.redelivered }
func (d *fakeDelivery) Headers() map[string]interface{} { return nil }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked++
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) counts() (acked, nacked int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked
}

type published struct {
	exchange   string
	routingKey string
	msg        Publishing
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{exchange: exchange, routingKey: routingKey, msg: msg})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

// unavailableStore fails every call like an unreachable Redis
type unavailableStore struct{}

var errStoreDown = &contracts.StorageUnavailableError{Op: "exists", Err: errors.New("dial tcp: connection refused")}

func (unavailableStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, errStoreDown
}

func (unavailableStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}

func (unavailableStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errStoreDown
}

func (unavailableStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return false, errStoreDown
}

func (unavailableStore) Delete(ctx context.Context, key string) error {
	return errStoreDown
}
