package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection
type Dialer func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the RabbitMQ connection used by an RPC client
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dial           Dialer
	connectTimeout time.Duration
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger
	isConnected    bool
	done           chan struct{}
	lastErr        *amqp.Error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds the initial dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the connection_name client property shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.DialConfig,
		connectTimeout: 30 * time.Second,
		heartbeat:      10 * time.Second,
		connectionName: "rabbitrpc",
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resultCh := make(chan dialResult, 1)

	go func() {
		props := amqp.NewConnectionProperties()
		props.SetClientConnectionName(cm.connectionName)
		conn, err := cm.dial(cm.url, amqp.Config{
			Heartbeat:  cm.heartbeat,
			Properties: props,
		})
		resultCh <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}

		cm.conn = res.conn
		cm.isConnected = true
		notifyClose := cm.conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(notifyClose)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		return nil

	case <-connCtx.Done():
		// a late dial result is closed by the goroutine below
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// watch marks the manager disconnected once the broker closes the connection
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case err := <-notifyClose:
		cm.mu.Lock()
		cm.isConnected = false
		cm.lastErr = err
		cm.mu.Unlock()

		if err != nil {
			cm.logger.Error("connection closed by broker",
				"code", err.Code,
				"reason", err.Reason,
				"url", SanitizeURL(cm.url))
		}
	case <-cm.done:
	}
}

// Channel opens a new channel on the managed connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
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

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// LastError returns the error the broker closed the connection with, if any
func (cm *ConnectionManager) LastError() *amqp.Error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		return nil
	default:
		close(cm.done)
	}

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}

	return nil
}
