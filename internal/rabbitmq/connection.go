package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	isConnected    bool
	closed         bool
	done           chan struct{}
	wg             sync.WaitGroup
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, -1 for unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attachLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	var err error
	if cm.conn != nil {
		err = cm.conn.Close()
		cm.conn = nil
	}
	cm.mu.Unlock()

	cm.wg.Wait()
	return err
}

// dial connects with the configured timeout, honouring ctx
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Dial:       amqp.DefaultDial(cm.dialTimeout),
			Properties: amqp.Table{"connection_name": "mmate-rpc"},
		})
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err

	case <-dialCtx.Done():
		// close a connection that lands after we gave up
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attachLocked installs conn and starts watching it; mu must be held
func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.wg.Add(1)
	go cm.handleReconnect(notifyClose)
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	defer cm.wg.Done()

	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect attempts to reconnect to RabbitMQ with exponential backoff
func (cm *ConnectionManager) reconnect() {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2, cm.maxRetries)
	start := time.Now()

	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.NextDelay(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dial(ctx)
		cancel()

		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.attachLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start))
		return
	}

	cm.logger.Error("max reconnection attempts reached",
		"error", &ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  cm.maxRetries,
		},
		"duration", time.Since(start))
}
