package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection. It dials the configured host
// list with the connect retry policy and, once connected, re-establishes the
// connection after unexpected loss with the reconnect policy.
type ConnectionManager struct {
	urls           []string
	amqpConfig     amqp.Config
	dial           Dialer
	conn           Connection
	mu             sync.RWMutex
	connectRetries int // -1 means unbounded
	retriesPerHost int
	reconnectDelay time.Duration
	maxRetries     int // -1 means unbounded
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithReconnectDelay sets the wait between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectRetries sets the initial connect retry rounds over the host
// list and the retries per host within a round.
func WithConnectRetries(rounds, perHost int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectRetries = rounds
		cm.retriesPerHost = perHost
	}
}

// NewConnectionManager creates a connection manager for the given URLs
func NewConnectionManager(urls []string, cfg amqp.Config, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:           urls,
		amqpConfig:     cfg,
		dial:           DialAMQP,
		reconnectDelay: 3 * time.Second,
		maxRetries:     3,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. Every host is tried
// retriesPerHost+1 times per round, for connectRetries+1 rounds.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}
	if len(cm.urls) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrNoHosts, Timestamp: time.Now()}
	}

	var (
		lastErr  error
		lastURL  string
		attempts int
	)

	for round := 0; cm.connectRetries < 0 || round <= cm.connectRetries; round++ {
		for _, url := range cm.urls {
			for try := 0; try <= cm.retriesPerHost; try++ {
				if attempts > 0 && cm.reconnectDelay > 0 {
					select {
					case <-time.After(cm.reconnectDelay):
					case <-ctx.Done():
						return &ConnectionError{Op: "connect", URL: SanitizeURL(lastURL), Err: ErrOperationCancelled, Timestamp: time.Now(), Attempts: attempts}
					}
				}

				attempts++
				conn, err := cm.dialOnce(ctx, url)
				if err == nil {
					cm.install(conn)
					cm.logger.Info("connected to broker",
						"url", SanitizeURL(url),
						"attempts", attempts)
					cm.notifyConnected()
					go cm.handleReconnect()
					return nil
				}

				lastErr, lastURL = err, url
				cm.logger.Warn("connect attempt failed",
					"url", SanitizeURL(url),
					"attempt", attempts,
					"error", err)

				if ctx.Err() != nil {
					return &ConnectionError{Op: "connect", URL: SanitizeURL(url), Err: ErrOperationCancelled, Timestamp: time.Now(), Attempts: attempts}
				}
			}
		}
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(lastURL),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// dialOnce dials url, abandoning the attempt when ctx ends first
func (cm *ConnectionManager) dialOnce(ctx context.Context, url string) (Connection, error) {
	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(url, cm.amqpConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		// Close a connection that completes after the caller gave up.
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// install records conn as current; callers hold cm.mu
func (cm *ConnectionManager) install(conn Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnection. Safe to call twice.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	cm.mu.RLock()
	notifyClose := cm.notifyClose
	cm.mu.RUnlock()

	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			// Graceful close initiated by this client.
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
		cm.logger.Debug("connection manager shutting down")
	}
}

// reconnect attempts to restore the connection with a fixed wait between tries
func (cm *ConnectionManager) reconnect() {
	retries := 0
	startTime := time.Now()

	for {
		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return
		}

		cm.notifyReconnecting(retries + 1)

		select {
		case <-time.After(cm.reconnectDelay):
		case <-cm.done:
			return
		}

		url := cm.urls[retries%len(cm.urls)]
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dialOnce(ctx, url)
		cancel()
		retries++

		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries,
				"nextRetryIn", cm.reconnectDelay)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.install(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", retries,
			"duration", time.Since(startTime))
		cm.notifyConnected()
		go cm.handleReconnect()
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
