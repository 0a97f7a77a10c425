package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ConnectionReporter is satisfied by every messaging.Transport
type ConnectionReporter interface {
	IsConnected() bool
}

// Pinger is satisfied by idempotency.RedisStore
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector reports the number of ready messages in a queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, name string) (int, error)
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	broker ConnectionReporter
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(broker ConnectionReporter) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.broker.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// StoreChecker checks the key-value store behind the ledger and cache.
// A failing store means commands are requeued rather than processed.
type StoreChecker struct {
	store Pinger
}

// NewStoreChecker creates a store checker
func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "store not reachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "store is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a command queue exists and is not backing up
type QueueChecker struct {
	queueName string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker; a depth above threshold is degraded
func NewQueueChecker(queueName string, inspector QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{
		queueName: queueName,
		inspector: inspector,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depth, err := c.inspector.QueueDepth(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = depth
	if c.threshold > 0 && depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queueName)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("queue %s is accessible", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts, which usually means
// handlers or reply waits are not being released
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
