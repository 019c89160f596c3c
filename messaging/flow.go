package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/internal/async"
	"github.com/glimte/smfcore/internal/rabbitmq"
	"github.com/glimte/smfcore/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FlowState is the lifecycle state of a Flow.
type FlowState int

const (
	FlowCreated FlowState = iota
	FlowStarted
	FlowStopped
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowCreated:
		return "created"
	case FlowStarted:
		return "started"
	case FlowStopped:
		return "stopped"
	case FlowClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flow is a flow-controlled receive path bound to a queue or topic
// endpoint. A Flow is not safe for concurrent Receive calls; Close may be
// called at any time.
type Flow struct {
	id       string
	session  *Session
	sub      contracts.SubscriptionConfig
	settings contracts.FlowSettings
	direct   bool
	owned    bool // the flow owns its channel; transacted flows share the session's
	outcomes map[string]bool
	pending  *pendingSettlements
	acks     *ackBatcher
	logger   *slog.Logger

	// prepare (re)creates the queue on a fresh channel; nil for pre-existing queues.
	prepare func(ctx context.Context, ch rabbitmq.Channel) error

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       FlowState
	ch          rabbitmq.Channel
	queue       string
	source      contracts.Destination
	consumerTag string
	consumers   int
	deliveries  <-chan amqp.Delivery
	changed     chan struct{}
	lost        error
	closed      chan struct{}
	closeOnce   sync.Once
}

func newFlow(s *Session, sub contracts.SubscriptionConfig) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		id:       uuid.New().String(),
		session:  s,
		sub:      sub,
		settings: sub.Settings(),
		owned:    s.tx == nil,
		outcomes: map[string]bool{},
		ctx:      ctx,
		cancel:   cancel,
		state:    FlowCreated,
		changed:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
	f.logger = s.logger.With("flow", f.id)
	f.pending = newPendingSettlements(f.id)

	if _, ok := subscriptionValue(sub).(contracts.DirectTopicSubscription); ok {
		f.direct = true
	}
	if !f.direct && s.tx == nil {
		f.outcomes[OutcomeFailed] = true
		f.outcomes[OutcomeRejected] = true
		f.acks = newAckBatcher(f.channel, f.settings.AckBatchSize(), f.settings.AckTimer, f.logger)
	}
	if s.tx != nil {
		s.tx.onComplete(func() { f.pending.clear() })
	}
	return f
}

// subscriptionValue dereferences pointer variants.
func subscriptionValue(sub contracts.SubscriptionConfig) contracts.SubscriptionConfig {
	switch v := sub.(type) {
	case *contracts.QueueSubscription:
		return *v
	case *contracts.DirectTopicSubscription:
		return *v
	case *contracts.DurableTopicSubscription:
		return *v
	default:
		return sub
	}
}

// open resolves the endpoint for the subscription variant and starts
// consuming unless the subscription asks to start stopped.
func (f *Flow) open(ctx context.Context) error {
	s := f.session

	switch v := subscriptionValue(f.sub).(type) {
	case contracts.QueueSubscription:
		f.source = contracts.Queue{QueueName: v.QueueName}
		f.queue = v.QueueName
		if v.Temporary {
			f.prepare = func(_ context.Context, ch rabbitmq.Channel) error {
				q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
					Name:       v.QueueName,
					AutoDelete: true,
					Exclusive:  true,
				})
				if err != nil {
					return err
				}
				f.setQueue(q.Name, contracts.Queue{QueueName: q.Name})
				return nil
			}
		}

	case contracts.DurableTopicSubscription:
		topic := contracts.Topic{TopicName: v.TopicName}
		f.source = topic
		f.queue = v.EndpointName
		if err := s.topology.ProvisionEndpoint(ctx, v.EndpointName, f.settings.ActiveFlowIndication); err != nil {
			return err
		}
		if err := s.topology.BindQueue(ctx, rabbitmq.Binding{
			Queue:      v.EndpointName,
			Exchange:   s.exchange,
			RoutingKey: topic.RoutingKey(),
		}); err != nil {
			return err
		}

	case contracts.DirectTopicSubscription:
		topic := contracts.Topic{TopicName: v.TopicName}
		f.source = topic
		f.prepare = func(_ context.Context, ch rabbitmq.Channel) error {
			q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{AutoDelete: true, Exclusive: true})
			if err != nil {
				return err
			}
			if err := ch.QueueBind(q.Name, topic.RoutingKey(), s.exchange, false, nil); err != nil {
				return &rabbitmq.TopologyError{Component: "binding", Name: q.Name + "->" + s.exchange, Op: "bind", Err: err, Timestamp: time.Now()}
			}
			f.setQueue(q.Name, topic)
			return nil
		}

	default:
		return contracts.NewValidationError("subscription", "unsupported subscription type %T", f.sub)
	}

	ch, err := f.acquireChannel()
	if err != nil {
		return err
	}
	if f.prepare != nil {
		if err := f.prepare(ctx, ch); err != nil {
			f.releaseChannel(ch)
			return err
		}
	}

	f.mu.Lock()
	if f.state == FlowClosed {
		f.mu.Unlock()
		f.releaseChannel(ch)
		return contracts.ErrClosed
	}
	f.ch = ch
	var startErr error
	if f.settings.Starts() {
		startErr = f.consumeLocked()
	} else {
		f.setStateLocked(FlowStopped)
	}
	f.mu.Unlock()
	if startErr != nil {
		return startErr
	}

	f.watch(ch)
	f.logger.Info("Flow opened",
		"queue", f.Queue(),
		"state", f.State().String(),
		"window", f.settings.TransportWindowSize,
		"ackMode", string(f.settings.AckMode))
	return nil
}

func (f *Flow) acquireChannel() (rabbitmq.Channel, error) {
	if !f.owned {
		return f.session.tx.channel(), nil
	}
	return f.session.conn.Channel()
}

func (f *Flow) releaseChannel(ch rabbitmq.Channel) {
	if f.owned && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			f.logger.Warn("Failed to close flow channel", "error", err)
		}
	}
}

func (f *Flow) setQueue(name string, source contracts.Destination) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = name
	f.source = source
}

func (f *Flow) channel() rabbitmq.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// consumeLocked registers a new consumer on the current channel.
func (f *Flow) consumeLocked() error {
	if !f.direct {
		if err := f.ch.Qos(f.settings.TransportWindowSize, 0, false); err != nil {
			return &rabbitmq.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	f.consumers++
	tag := "smf-" + f.id + "-" + strconv.Itoa(f.consumers)
	deliveries, err := f.ch.Consume(f.queue, tag, f.direct, false, f.settings.NoLocal, false, nil)
	if err != nil {
		return &rabbitmq.ChannelError{Op: "consume", Err: err, Timestamp: time.Now()}
	}
	f.consumerTag = tag
	f.deliveries = deliveries
	f.setStateLocked(FlowStarted)
	return nil
}

func (f *Flow) setStateLocked(state FlowState) {
	f.state = state
	close(f.changed)
	f.changed = make(chan struct{})
	f.session.metrics.RecordFlowState(f.endpointLocked(), state)
}

func (f *Flow) endpointLocked() string {
	if f.source == nil {
		return f.queue
	}
	return f.source.String()
}

// watch reacts to the loss of ch. Owned channels are re-established under
// the flow's reconnect policy; a lost transaction channel fails the flow.
func (f *Flow) watch(ch rabbitmq.Channel) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		cause, ok := <-notify
		if !ok || cause == nil {
			return
		}
		select {
		case <-f.closed:
			return
		default:
		}
		f.recover(cause)
	}()
}

func (f *Flow) recover(cause error) {
	if f.acks != nil {
		f.acks.reset()
	}
	dropped := f.pending.clear()
	f.logger.Warn("Flow channel lost", "error", cause, "unsettled", dropped)

	tries := f.settings.ReconnectTries
	if !f.owned || tries == 0 {
		f.fail(cause)
		return
	}

	retries := reliability.Unbounded
	if tries > 0 {
		retries = tries - 1
	}
	policy := reliability.NewFixedDelay(f.settings.ReconnectRetryInterval, retries)
	err := reliability.RetryNotify(f.ctx, policy, func() error {
		return f.rebind(f.ctx)
	}, func(attempt int, err error, delay time.Duration) {
		f.logger.Warn("Flow reconnect attempt failed", "attempt", attempt, "retryIn", delay, "error", err)
	})
	if err != nil {
		f.fail(err)
		return
	}
	f.logger.Info("Flow reconnected", "queue", f.Queue())
}

func (f *Flow) rebind(ctx context.Context) error {
	ch, err := f.session.conn.Channel()
	if err != nil {
		return err
	}
	if f.prepare != nil {
		if err := f.prepare(ctx, ch); err != nil {
			ch.Close()
			return err
		}
	}

	f.mu.Lock()
	if f.state == FlowClosed {
		f.mu.Unlock()
		ch.Close()
		return reliability.Permanent(contracts.ErrClosed)
	}
	f.ch = ch
	if f.state == FlowStarted {
		if err := f.consumeLocked(); err != nil {
			f.mu.Unlock()
			ch.Close()
			return err
		}
	}
	f.mu.Unlock()

	f.watch(ch)
	return nil
}

func (f *Flow) fail(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FlowClosed {
		return
	}
	f.lost = fmt.Errorf("%w: flow channel lost: %w", contracts.ErrClosed, cause)
	close(f.changed)
	f.changed = make(chan struct{})
	f.logger.Error("Flow lost", "error", cause)
}

// ID returns the flow identifier.
func (f *Flow) ID() string {
	return f.id
}

// State returns the current lifecycle state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Queue returns the queue the flow consumes, including server-assigned
// names of temporary and direct-topic queues.
func (f *Flow) Queue() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue
}

// Destination returns the endpoint received messages are reported from.
func (f *Flow) Destination() contracts.Destination {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

// Receive waits up to timeout for the next message. A zero timeout polls
// and a negative one waits until ctx ends. When no message arrives in time
// Receive returns (nil, nil) and nothing is consumed.
func (f *Flow) Receive(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	if f.session.IsClosed() {
		return nil, contracts.ErrClosed
	}

	ctx, span := f.session.tracer.Start(ctx, "smf.receive", trace.WithAttributes(
		attribute.String("smf.flow", f.id),
		attribute.Int64("smf.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	msg, err := async.Await(ctx, f.session.done, func(ctx context.Context) (*contracts.Message, error) {
		return f.next(ctx, timeout)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("smf.received", msg != nil))
	return msg, nil
}

// ReceiveNoWait returns the next buffered message or (nil, nil) at once.
func (f *Flow) ReceiveNoWait(ctx context.Context) (*contracts.Message, error) {
	return f.Receive(ctx, 0)
}

func (f *Flow) next(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		f.mu.Lock()
		state, deliveries, changed, lost, ch := f.state, f.deliveries, f.changed, f.lost, f.ch
		f.mu.Unlock()

		if state == FlowClosed {
			return nil, contracts.ErrClosed
		}
		if lost != nil {
			return nil, lost
		}
		if state != FlowStarted {
			deliveries = nil
		}

		if timeout == 0 {
			select {
			case d, ok := <-deliveries:
				if ok {
					return f.handOver(ch, d)
				}
			default:
			}
			return nil, nil
		}

		select {
		case d, ok := <-deliveries:
			if ok {
				return f.handOver(ch, d)
			}
			// The consumer ended; wait for a replacement.
			select {
			case <-changed:
			case <-expired:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-f.closed:
				return nil, contracts.ErrClosed
			}
		case <-changed:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.closed:
			return nil, contracts.ErrClosed
		}
	}
}

// handOver decodes d and applies the flow's settlement policy.
func (f *Flow) handOver(ch rabbitmq.Channel, d amqp.Delivery) (*contracts.Message, error) {
	msg, err := f.session.codec.Decode(d)
	if err != nil {
		if !f.direct {
			if nackErr := ch.Nack(d.DeliveryTag, false, false); nackErr != nil {
				f.logger.Warn("Failed to reject undecodable delivery", "tag", d.DeliveryTag, "error", nackErr)
			}
		}
		return nil, fmt.Errorf("failed to decode delivery %d: %w", d.DeliveryTag, err)
	}
	msg.Destination = f.Destination()

	tx := f.session.tx
	autoAck := f.settings.AckMode == contracts.AutoAck
	switch {
	case f.direct:
	case tx != nil:
		tx.track(d.DeliveryTag)
		if autoAck {
			err = tx.ack(d.DeliveryTag)
		} else {
			msg.AttachHandle(f.pending.add(d.DeliveryTag))
		}
	case autoAck:
		err = f.acks.ack(d.DeliveryTag)
	default:
		msg.AttachHandle(f.pending.add(d.DeliveryTag))
	}
	if err != nil {
		return nil, err
	}

	f.session.metrics.RecordReceive(msg.Destination.String())
	return msg, nil
}

// Ack settles msg positively. A message can be settled once, and only by
// the flow that received it.
func (f *Flow) Ack(msg *contracts.Message) error {
	if err := f.settleable(msg); err != nil {
		return err
	}
	tag, err := f.pending.take(msg.Handle())
	if err != nil {
		return err
	}

	if tx := f.session.tx; tx != nil {
		err = tx.ack(tag)
	} else {
		err = f.acks.ack(tag)
	}
	if err != nil {
		return err
	}
	msg.AttachHandle(nil)
	f.session.metrics.RecordSettlement(f.endpoint(), OutcomeAccepted)
	return nil
}

// Nack settles msg negatively. With requeue the message is redelivered;
// without it the message is rejected and dead-lettered when the endpoint
// has a dead message queue. Transacted flows settle negatively through
// Rollback instead.
func (f *Flow) Nack(msg *contracts.Message, requeue bool) error {
	if err := f.settleable(msg); err != nil {
		return err
	}
	outcome := OutcomeRejected
	if requeue {
		outcome = OutcomeFailed
	}
	if !f.outcomes[outcome] || !f.pending.peek(msg.Handle()) {
		return contracts.ErrNotSettleable
	}
	tag, err := f.pending.take(msg.Handle())
	if err != nil {
		return err
	}

	// Earlier positive settlements go first.
	if err := f.acks.flush(); err != nil {
		f.logger.Warn("Failed to flush acknowledgements before nack", "error", err)
	}
	ch := f.channel()
	if err := ch.Nack(tag, false, requeue); err != nil {
		return &rabbitmq.ChannelError{Op: "nack", Err: err, Timestamp: time.Now()}
	}
	msg.AttachHandle(nil)
	f.session.metrics.RecordSettlement(f.endpoint(), outcome)
	return nil
}

func (f *Flow) settleable(msg *contracts.Message) error {
	if f.session.IsClosed() || f.State() == FlowClosed {
		return contracts.ErrClosed
	}
	if msg == nil || msg.Handle() == nil {
		return contracts.ErrNotSettleable
	}
	return nil
}

func (f *Flow) endpoint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpointLocked()
}

// Start resumes delivery to the flow.
func (f *Flow) Start(ctx context.Context) error {
	if f.session.IsClosed() {
		return contracts.ErrClosed
	}
	_, err := async.Await(ctx, f.session.done, func(context.Context) (struct{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case f.state == FlowClosed:
			return struct{}{}, contracts.ErrClosed
		case f.lost != nil:
			return struct{}{}, f.lost
		case f.state == FlowStarted:
			return struct{}{}, nil
		}
		return struct{}{}, f.consumeLocked()
	})
	if err == nil {
		f.logger.Debug("Flow started")
	}
	return err
}

// Stop suspends delivery. Messages prefetched but not yet received are
// returned to the queue.
func (f *Flow) Stop(ctx context.Context) error {
	if f.session.IsClosed() {
		return contracts.ErrClosed
	}
	_, err := async.Await(ctx, f.session.done, func(context.Context) (struct{}, error) {
		f.mu.Lock()
		if f.state == FlowClosed {
			f.mu.Unlock()
			return struct{}{}, contracts.ErrClosed
		}
		if f.state != FlowStarted {
			f.mu.Unlock()
			return struct{}{}, nil
		}
		ch, tag, deliveries := f.ch, f.consumerTag, f.deliveries
		f.deliveries = nil
		f.setStateLocked(FlowStopped)
		f.mu.Unlock()

		if err := ch.Cancel(tag, false); err != nil {
			return struct{}{}, &rabbitmq.ChannelError{Op: "cancel", Err: err, Timestamp: time.Now()}
		}
		if f.acks != nil {
			if err := f.acks.flush(); err != nil {
				f.logger.Warn("Failed to flush acknowledgements on stop", "error", err)
			}
		}
		go f.drain(ch, deliveries)
		return struct{}{}, nil
	})
	if err == nil {
		f.logger.Debug("Flow stopped")
	}
	return err
}

// drain returns deliveries that were prefetched for a cancelled consumer.
// Transacted flows return them through the transaction.
func (f *Flow) drain(ch rabbitmq.Channel, deliveries <-chan amqp.Delivery) {
	if f.direct || deliveries == nil {
		return
	}
	requeue := func(tag uint64) error { return ch.Nack(tag, false, true) }
	if tx := f.session.tx; tx != nil {
		requeue = tx.release
	}
	for d := range deliveries {
		if ch.IsClosed() {
			return
		}
		if err := requeue(d.DeliveryTag); err != nil {
			f.logger.Warn("Failed to return prefetched delivery", "tag", d.DeliveryTag, "error", err)
			return
		}
	}
}

// Close stops the flow and releases its channel. Unsettled messages of a
// non-transacted flow are redelivered. Close is idempotent.
func (f *Flow) Close() {
	f.closeOnce.Do(func() {
		f.cancel()

		f.mu.Lock()
		started := f.state == FlowStarted
		ch, tag, deliveries := f.ch, f.consumerTag, f.deliveries
		f.deliveries = nil
		f.setStateLocked(FlowClosed)
		close(f.closed)
		f.mu.Unlock()

		if f.acks != nil {
			if err := f.acks.stop(); err != nil {
				f.logger.Warn("Failed to flush acknowledgements on close", "error", err)
			}
		}
		cancelled := false
		if ch != nil && started && !ch.IsClosed() {
			if err := ch.Cancel(tag, false); err != nil {
				f.logger.Warn("Failed to cancel consumer", "error", err)
			} else {
				cancelled = true
			}
		}
		if ch != nil {
			if f.owned {
				f.releaseChannel(ch)
			} else if cancelled {
				// The returns must reach the transaction before a rollback.
				f.drain(ch, deliveries)
			}
		}
		f.pending.clear()
		f.session.detachFlow(f)
		f.logger.Info("Flow closed")
	})
}
