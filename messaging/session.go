package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/smfcore/config"
	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/internal/async"
	"github.com/glimte/smfcore/internal/rabbitmq"
	"github.com/glimte/smfcore/serialization"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/smfcore/messaging"

// Session owns one broker connection, its non-transacted control channel
// and, when transacted, the channel its transaction runs on. A session
// serves at most one flow and one producer at a time.
type Session struct {
	id       string
	cfg      *config.ConnectionConfig
	conn     *rabbitmq.ConnectionManager
	control  rabbitmq.Channel
	tx       *Transaction
	codec    *serialization.Codec
	topology *rabbitmq.TopologyManager
	exchange string
	logger   *slog.Logger
	metrics  MetricsCollector
	tracer   trace.Tracer

	mu        sync.Mutex
	flow      *Flow
	producer  *Producer
	done      chan struct{}
	closeOnce sync.Once
}

type sessionOptions struct {
	logger           *slog.Logger
	metrics          MetricsCollector
	tracer           trace.Tracer
	exchange         string
	deadMessageQueue string
	tokens           TokenProvider
	secureChannel    SecureChannelProvider
	dialer           Dialer
}

// SessionOption configures a Session
type SessionOption func(*sessionOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) SessionOption {
	return func(o *sessionOptions) {
		o.metrics = metrics
	}
}

// WithTracer sets the tracer used for send, receive, commit and rollback spans
func WithTracer(tracer trace.Tracer) SessionOption {
	return func(o *sessionOptions) {
		o.tracer = tracer
	}
}

// WithTopicExchange overrides the configured topic exchange
func WithTopicExchange(exchange string) SessionOption {
	return func(o *sessionOptions) {
		o.exchange = exchange
	}
}

// WithDeadMessageQueue dead-letters rejected messages of durable endpoints
// provisioned by this session to the named queue.
func WithDeadMessageQueue(queue string) SessionOption {
	return func(o *sessionOptions) {
		o.deadMessageQueue = queue
	}
}

// WithTokenProvider supplies Kerberos tokens
func WithTokenProvider(tokens TokenProvider) SessionOption {
	return func(o *sessionOptions) {
		o.tokens = tokens
	}
}

// WithSecureChannelProvider supplies non-PEM key material
func WithSecureChannelProvider(provider SecureChannelProvider) SessionOption {
	return func(o *sessionOptions) {
		o.secureChannel = provider
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) SessionOption {
	return func(o *sessionOptions) {
		o.dialer = dialer
	}
}

// Open validates cfg, connects to the first reachable host and opens the
// session's channels. Handshake failures are reported as
// contracts.ErrConnectFailed.
func Open(ctx context.Context, cfg *config.ConnectionConfig, opts ...SessionOption) (*Session, error) {
	if cfg == nil {
		return nil, contracts.NewValidationError("config", "must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := sessionOptions{
		logger:   slog.Default(),
		metrics:  NoOpMetricsCollector{},
		tracer:   otel.Tracer(tracerName),
		exchange: cfg.Exchange(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := serialization.NewCodec(
		serialization.WithCompressionLevel(cfg.CompressionLevel),
		serialization.WithFlags(cfg.Flags),
	)
	if err != nil {
		return nil, err
	}

	amqpCfg, err := rabbitmq.ChannelProperties(ctx, cfg, o.tokens, o.secureChannel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrConnectFailed, err)
	}

	s := &Session{
		id:       uuid.New().String(),
		cfg:      cfg,
		codec:    codec,
		exchange: o.exchange,
		metrics:  o.metrics,
		tracer:   o.tracer,
		done:     make(chan struct{}),
	}
	s.logger = o.logger.With("session", s.id)

	retry := cfg.RetryPolicy()
	cmOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(s.logger),
		rabbitmq.WithReconnectDelay(retry.ReconnectRetryWait),
		rabbitmq.WithMaxRetries(retry.ReconnectRetries),
		rabbitmq.WithConnectRetries(retry.ConnectRetries, retry.ConnectRetriesPerHost),
	}
	if o.dialer != nil {
		cmOpts = append(cmOpts, rabbitmq.WithDialer(o.dialer))
	}
	s.conn = rabbitmq.NewConnectionManager(rabbitmq.URLs(cfg), amqpCfg, cmOpts...)

	if _, err := async.Await(ctx, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.conn.Connect(ctx)
	}); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("%w: %w", contracts.ErrConnectFailed, err)
	}

	if err := s.openChannels(); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("%w: %w", contracts.ErrConnectFailed, err)
	}

	s.topology = rabbitmq.NewTopologyManager(s.conn.Channel, o.deadMessageQueue)
	s.conn.AddStateListener(reconnectListener{s})

	s.logger.Info("Session opened",
		"hosts", len(cfg.Hosts()),
		"vpn", cfg.VPNName,
		"transacted", cfg.Transacted)
	return s, nil
}

func (s *Session) openChannels() error {
	control, err := s.conn.Channel()
	if err != nil {
		return err
	}
	s.control = control

	if !s.cfg.Transacted {
		return nil
	}
	txCh, err := s.conn.Channel()
	if err != nil {
		control.Close()
		return err
	}
	if err := txCh.Tx(); err != nil {
		txCh.Close()
		control.Close()
		return &rabbitmq.ChannelError{Op: "tx.select", Err: err, Timestamp: time.Now()}
	}
	s.tx = newTransaction(txCh, s.logger)
	return nil
}

// reconnectListener restores the session's channels once the connection
// manager has re-established the connection.
type reconnectListener struct {
	s *Session
}

func (l reconnectListener) OnConnected() {
	l.s.restore()
}

func (l reconnectListener) OnDisconnected(err error) {
	l.s.logger.Warn("Session connection lost", "error", err)
}

func (l reconnectListener) OnReconnecting(attempt int) {
	l.s.logger.Info("Session reconnecting", "attempt", attempt)
}

// restore reopens the control channel and, for transacted sessions, moves
// the transaction onto a fresh channel. The unit of work in progress when
// the connection dropped fails on the next Commit.
func (s *Session) restore() {
	if s.IsClosed() {
		return
	}
	control, err := s.conn.Channel()
	if err != nil {
		s.logger.Error("Failed to reopen control channel", "error", err)
		return
	}
	s.mu.Lock()
	if s.IsClosed() {
		s.mu.Unlock()
		control.Close()
		return
	}
	s.control = control
	s.mu.Unlock()

	if s.tx != nil {
		txCh, err := s.conn.Channel()
		if err != nil {
			s.logger.Error("Failed to reopen transaction channel", "error", err)
			return
		}
		if err := txCh.Tx(); err != nil {
			txCh.Close()
			s.logger.Error("Failed to select transaction mode", "error", err)
			return
		}
		if err := s.tx.rebind(txCh); err != nil {
			txCh.Close()
			return
		}
	}
	s.logger.Info("Session channels restored")
}

func (s *Session) controlChannel() rabbitmq.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Transacted reports whether sends and settlements are transactional.
func (s *Session) Transacted() bool {
	return s.tx != nil
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// IsConnected reports whether the connection and the session's channels
// are up.
func (s *Session) IsConnected() bool {
	if s.IsClosed() || !s.conn.IsConnected() {
		return false
	}
	if control := s.controlChannel(); control == nil || control.IsClosed() {
		return false
	}
	return s.tx == nil || !s.tx.channel().IsClosed()
}

// OpenConsumerFlow validates sub and opens a flow for it. Validation
// happens before any broker call.
func (s *Session) OpenConsumerFlow(ctx context.Context, sub contracts.SubscriptionConfig) (*Flow, error) {
	if s.IsClosed() {
		return nil, contracts.ErrClosed
	}
	if sub == nil {
		return nil, contracts.NewValidationError("subscription", "must not be nil")
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if _, direct := subscriptionValue(sub).(contracts.DirectTopicSubscription); direct && s.Transacted() {
		return nil, contracts.NewValidationError(contracts.TopicNameKey, "direct topic subscriptions cannot be transacted")
	}

	s.mu.Lock()
	if s.flow != nil {
		s.mu.Unlock()
		return nil, contracts.NewValidationError("flow", "session already has an open flow")
	}
	f := newFlow(s, sub)
	s.flow = f
	s.mu.Unlock()

	if _, err := async.Await(ctx, s.done, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, f.open(ctx)
	}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// OpenProducer opens the session's producer.
func (s *Session) OpenProducer(ctx context.Context, opts ...ProducerOption) (*Producer, error) {
	if s.IsClosed() {
		return nil, contracts.ErrClosed
	}

	s.mu.Lock()
	if s.producer != nil {
		s.mu.Unlock()
		return nil, contracts.NewValidationError("producer", "session already has an open producer")
	}
	p := newProducer(s, opts...)
	s.producer = p
	s.mu.Unlock()

	if _, err := async.Await(ctx, s.done, func(context.Context) (struct{}, error) {
		return struct{}{}, p.open()
	}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Commit applies every send and settlement made since the last commit or
// rollback.
func (s *Session) Commit(ctx context.Context) error {
	return s.complete(ctx, "commit", func(ctx context.Context) error { return s.tx.Commit(ctx) })
}

// Rollback discards every send since the last commit or rollback and makes
// the messages consumed in that span available for redelivery.
func (s *Session) Rollback(ctx context.Context) error {
	return s.complete(ctx, "rollback", func(ctx context.Context) error { return s.tx.Rollback(ctx) })
}

func (s *Session) complete(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.tx == nil {
		return contracts.ErrNotTransactional
	}
	if s.IsClosed() {
		return contracts.ErrClosed
	}

	ctx, span := s.tracer.Start(ctx, "smf."+op, trace.WithAttributes(attribute.String("smf.session", s.id)))
	defer span.End()

	start := time.Now()
	_, err := async.Await(ctx, s.done, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	s.metrics.RecordTransaction(op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Close tears the session down: flow, producer, transaction, control
// channel, then the connection. Close never fails; failing steps are
// logged and the remaining steps still run. In-flight calls fail with
// contracts.ErrClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		flow, producer, control := s.flow, s.producer, s.control
		s.mu.Unlock()

		if flow != nil {
			flow.Close()
		}
		if producer != nil {
			producer.Close()
		}
		if s.tx != nil {
			if err := s.tx.close(); err != nil {
				s.logger.Warn("Failed to close transaction", "error", err)
			}
		}
		if control != nil && !control.IsClosed() {
			if err := control.Close(); err != nil {
				s.logger.Warn("Failed to close control channel", "error", err)
			}
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Failed to close connection", "error", err)
		}

		s.logger.Info("Session closed")
	})
}

func (s *Session) detachFlow(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == f {
		s.flow = nil
	}
}

func (s *Session) detachProducer(p *Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer == p {
		s.producer = nil
	}
}
