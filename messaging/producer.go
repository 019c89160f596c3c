package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/internal/async"
	"github.com/glimte/smfcore/internal/rabbitmq"
	"github.com/glimte/smfcore/internal/reliability"
	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var errConfirmTimeout = errors.New("no publisher confirm received")

// SendResult describes an accepted send
type SendResult struct {
	// CorrelationKey identifies the publish outcome.
	CorrelationKey string
	// Transacted is true when the send takes effect on Commit.
	Transacted bool
}

type producerOptions struct {
	confirmTimeout   time.Duration
	breakerThreshold uint32
	breakerReset     time.Duration
	breaker          bool
	rateLimit        rate.Limit
	burst            int
}

// ProducerOption configures a Producer
type ProducerOption func(*producerOptions)

// WithConfirmTimeout bounds the wait for the broker's publish outcome
func WithConfirmTimeout(timeout time.Duration) ProducerOption {
	return func(o *producerOptions) {
		o.confirmTimeout = timeout
	}
}

// WithPublishBreaker stops publishing for resetTimeout after
// failureThreshold consecutive failed sends.
func WithPublishBreaker(failureThreshold uint32, resetTimeout time.Duration) ProducerOption {
	return func(o *producerOptions) {
		o.breaker = true
		o.breakerThreshold = failureThreshold
		o.breakerReset = resetTimeout
	}
}

// WithSendRateLimit limits sends to perSecond with the given burst
func WithSendRateLimit(perSecond float64, burst int) ProducerOption {
	return func(o *producerOptions) {
		o.rateLimit = rate.Limit(perSecond)
		o.burst = burst
	}
}

// Producer publishes messages for a session. Outside a transaction every
// send waits for the broker's publisher confirm.
type Producer struct {
	session        *Session
	logger         *slog.Logger
	confirmTimeout time.Duration
	breaker        *reliability.Breaker
	limiter        *rate.Limiter

	mu      sync.Mutex
	ch      rabbitmq.Channel
	owned   bool
	tracker *publishTracker

	closed    chan struct{}
	closeOnce sync.Once
}

func newProducer(s *Session, opts ...ProducerOption) *Producer {
	o := producerOptions{
		confirmTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Producer{
		session:        s,
		logger:         s.logger.With("component", "producer"),
		confirmTimeout: o.confirmTimeout,
		closed:         make(chan struct{}),
	}
	if o.breaker {
		p.breaker = reliability.NewBreaker(reliability.BreakerSettings{
			Name:             "publish-" + s.id,
			FailureThreshold: o.breakerThreshold,
			ResetTimeout:     o.breakerReset,
			IsFailure:        isPublishFailure,
			Logger:           p.logger,
		})
	}
	if o.rateLimit > 0 {
		burst := o.burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(o.rateLimit, burst)
	}
	return p
}

// isPublishFailure counts broker and transport failures against the
// breaker, not caller mistakes.
func isPublishFailure(err error) bool {
	return !errors.Is(err, contracts.ErrValidation) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, contracts.ErrClosed)
}

// open puts the session's control channel into confirm mode. Transacted
// producers publish on the transaction channel and need no confirms.
func (p *Producer) open() error {
	if p.session.tx != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if control := p.session.controlChannel(); control != nil && !control.IsClosed() {
		return p.attachLocked(control, false)
	}
	_, _, err := p.channelLocked()
	return err
}

func (p *Producer) attachLocked(ch rabbitmq.Channel, owned bool) error {
	if err := ch.Confirm(false); err != nil {
		return &rabbitmq.ChannelError{Op: "confirm", ChannelID: "producer", Err: err, Timestamp: time.Now()}
	}
	p.ch = ch
	p.owned = owned
	p.tracker = newPublishTracker(ch, p.logger)
	return nil
}

// channelLocked returns a live confirm-mode channel, replacing a lost one.
func (p *Producer) channelLocked() (rabbitmq.Channel, *publishTracker, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.tracker.alive() {
		return p.ch, p.tracker, nil
	}

	p.logger.Warn("Producer channel lost, reopening")
	ch, err := p.session.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: producer channel unavailable: %w", contracts.ErrClosed, err)
	}
	if err := p.attachLocked(ch, true); err != nil {
		ch.Close()
		return nil, nil, err
	}
	return p.ch, p.tracker, nil
}

// Send publishes msg to dest. In a transacted session the message is
// applied by the next Commit. Otherwise Send returns once the broker has
// confirmed the message; a broker nack yields a *contracts.PublishError.
func (p *Producer) Send(ctx context.Context, dest contracts.Destination, msg *contracts.Message) (*SendResult, error) {
	if p.isClosed() || p.session.IsClosed() {
		return nil, contracts.ErrClosed
	}
	if dest == nil || dest.Name() == "" {
		return nil, contracts.NewValidationError("destination", "must name a queue or topic")
	}
	if msg == nil {
		return nil, contracts.NewValidationError("message", "must not be nil")
	}

	ctx, span := p.session.tracer.Start(ctx, "smf.send", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("smf.destination", dest.String()),
			attribute.Bool("smf.transacted", p.session.tx != nil),
		))
	defer span.End()

	result, err := p.send(ctx, dest, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("smf.correlation_key", result.CorrelationKey))
	return result, nil
}

func (p *Producer) send(ctx context.Context, dest contracts.Destination, msg *contracts.Message) (*SendResult, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	pub, err := p.session.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	key := msg.CorrelationKey
	if key == "" {
		key = ulid.Make().String()
	}
	exchange, routingKey := p.route(dest)

	start := time.Now()
	publish := func() error {
		_, err := async.Await(ctx, p.session.done, func(ctx context.Context) (struct{}, error) {
			if tx := p.session.tx; tx != nil {
				if err := tx.publish(ctx, exchange, routingKey, pub); err != nil {
					return struct{}{}, fmt.Errorf("transacted publish failed: %w", err)
				}
				return struct{}{}, nil
			}
			return struct{}{}, p.publishConfirmed(ctx, exchange, routingKey, key, pub)
		})
		return err
	}
	if p.breaker != nil {
		err = p.breaker.Execute(publish)
	} else {
		err = publish()
	}
	p.session.metrics.RecordSend(dest.String(), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	return &SendResult{CorrelationKey: key, Transacted: p.session.tx != nil}, nil
}

func (p *Producer) publishConfirmed(ctx context.Context, exchange, routingKey, key string, pub amqp.Publishing) error {
	p.mu.Lock()
	ch, tracker, err := p.channelLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	seq := ch.GetNextPublishSeqNo()
	result, err := tracker.register(seq, key)
	if err != nil {
		p.mu.Unlock()
		return &contracts.PublishError{CorrelationKey: key, Cause: err, Timestamp: time.Now()}
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		tracker.forget(seq)
		p.mu.Unlock()
		return &rabbitmq.ChannelError{Op: "publish", ChannelID: "producer", Err: err, Timestamp: time.Now()}
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	_, err = result.Wait(waitCtx, p.closed)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		tracker.forget(seq)
		return &contracts.PublishError{
			CorrelationKey: key,
			Cause:          fmt.Errorf("%w after %s", errConfirmTimeout, p.confirmTimeout),
			Timestamp:      time.Now(),
		}
	}
	if err != nil && !errors.Is(err, contracts.ErrPublishFailed) {
		tracker.forget(seq)
	}
	return err
}

// route maps a destination onto an exchange and routing key: queues use
// the default exchange, topics the session's topic exchange.
func (p *Producer) route(dest contracts.Destination) (string, string) {
	if topic, ok := dest.(contracts.Topic); ok {
		return p.session.exchange, topic.RoutingKey()
	}
	if topic, ok := dest.(*contracts.Topic); ok {
		return p.session.exchange, topic.RoutingKey()
	}
	return "", dest.Name()
}

func (p *Producer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Close stops the producer. Sends still waiting for a confirm fail with
// contracts.ErrClosed. Close is idempotent.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)

		p.mu.Lock()
		ch, owned, tracker := p.ch, p.owned, p.tracker
		p.ch, p.tracker = nil, nil
		p.mu.Unlock()

		if tracker != nil {
			if n := tracker.pendingCount(); n > 0 {
				p.logger.Warn("Producer closed with unconfirmed sends", "pending", n)
			}
		}
		if owned && ch != nil && !ch.IsClosed() {
			if err := ch.Close(); err != nil {
				p.logger.Warn("Failed to close producer channel", "error", err)
			}
		}
		p.session.detachProducer(p)
		p.logger.Info("Producer closed")
	})
}
