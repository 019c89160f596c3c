package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/smfcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory AMQP broker with queues, a single topic
// exchange, prefetch, transactions and publisher confirms.
type fakeBroker struct {
	mu sync.Mutex

	queues    map[string]*fakeQueue
	bindings  []fakeBinding
	conns     []*fakeConn
	nextQueue int

	dialErr      error
	channelErr   error
	nackPublish  bool
	holdConfirms bool
	dials        int
}

type fakeBinding struct {
	queue, exchange, key string
}

type fakeQueue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	owner      *fakeConn
	messages   []fakeMessage
	consumers  []*fakeConsumer
	consumed   bool
}

type fakeMessage struct {
	pub         amqp.Publishing
	exchange    string
	key         string
	redelivered bool
}

type fakeConsumer struct {
	ch      *fakeChannel
	tag     string
	queue   *fakeQueue
	autoAck bool
	out     chan amqp.Delivery
}

type unacked struct {
	queue *fakeQueue
	msg   fakeMessage
}

type txOp struct {
	ack     bool
	tag     uint64
	requeue bool
	publish *fakeMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string]*fakeQueue)}
}

func (b *fakeBroker) dial(_ string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// declare creates a queue directly, as an administrator would.
func (b *fakeBroker) declare(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &fakeQueue{name: name, durable: true, args: args}
}

// put publishes through the default exchange.
func (b *fakeBroker) put(queue string, pub amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeLocked(fakeMessage{pub: pub, key: queue})
	b.dispatchLocked()
}

func (b *fakeBroker) depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return -1
	}
	return len(q.messages)
}

func (b *fakeBroker) messages(queue string) []fakeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]fakeMessage(nil), q.messages...)
}

func (b *fakeBroker) hasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *fakeBroker) unackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

func (b *fakeBroker) bindingsFor(queue string) []fakeBinding {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []fakeBinding
	for _, bd := range b.bindings {
		if bd.queue == queue {
			out = append(out, bd)
		}
	}
	return out
}

// killChannels fails every open consuming channel as a broker-side error would.
func (b *fakeBroker) killConsumerChannels() {
	b.mu.Lock()
	var victims []*fakeChannel
	for _, c := range b.conns {
		for _, ch := range c.channels {
			if !ch.closed && len(ch.consumers) > 0 {
				victims = append(victims, ch)
			}
		}
	}
	b.mu.Unlock()
	for _, ch := range victims {
		ch.shutdown(&amqp.Error{Code: amqp.InternalError, Reason: "simulated failure", Server: true})
	}
}

// dropConnections fails every open connection as a broker restart would.
func (b *fakeBroker) dropConnections() {
	cause := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}

	b.mu.Lock()
	var victims []*fakeConn
	for _, c := range b.conns {
		if !c.closed {
			c.closed = true
			victims = append(victims, c)
		}
	}
	b.mu.Unlock()

	for _, c := range victims {
		b.mu.Lock()
		channels := append([]*fakeChannel(nil), c.channels...)
		b.mu.Unlock()
		for _, ch := range channels {
			ch.shutdown(cause)
		}

		b.mu.Lock()
		for name, q := range b.queues {
			if q.exclusive && q.owner == c {
				b.removeQueueLocked(name)
			}
		}
		notify := c.notify
		c.notify = nil
		b.mu.Unlock()
		for _, n := range notify {
			n <- cause
			close(n)
		}
	}
}

func (b *fakeBroker) openConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

func (b *fakeBroker) setChannelErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

func (b *fakeBroker) setHoldConfirms(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdConfirms = hold
}

func (b *fakeBroker) setNackPublish(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublish = nack
}

func (b *fakeBroker) routeLocked(m fakeMessage) {
	if m.exchange == "" {
		if q, ok := b.queues[m.key]; ok {
			q.messages = append(q.messages, m)
		}
		return
	}
	seen := map[string]bool{}
	for _, bd := range b.bindings {
		if bd.exchange != m.exchange || seen[bd.queue] || !topicMatch(bd.key, m.key) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			q.messages = append(q.messages, m)
		}
	}
}

func (b *fakeBroker) requeueLocked(q *fakeQueue, m fakeMessage) {
	m.redelivered = true
	q.messages = append([]fakeMessage{m}, q.messages...)
}

// deadLetterLocked routes a rejected message per the queue's arguments.
func (b *fakeBroker) deadLetterLocked(q *fakeQueue, m fakeMessage) {
	exchange, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key, ok := q.args["x-dead-letter-routing-key"].(string)
	if !ok {
		key = m.key
	}
	b.routeLocked(fakeMessage{pub: m.pub, exchange: exchange, key: key})
}

func (b *fakeBroker) dispatchLocked() {
	for _, q := range b.queues {
		for len(q.messages) > 0 {
			c := q.ready()
			if c == nil {
				break
			}
			m := q.messages[0]
			q.messages = q.messages[1:]
			c.ch.deliverLocked(c, m)
		}
	}
}

// ready returns a consumer with prefetch credit, preferring the least loaded.
func (q *fakeQueue) ready() *fakeConsumer {
	for _, c := range q.consumers {
		if c.ch.closed {
			continue
		}
		if c.autoAck || c.ch.prefetch == 0 || len(c.ch.unacked) < c.ch.prefetch {
			return c
		}
	}
	return nil
}

func (b *fakeBroker) removeQueueLocked(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	delete(b.queues, name)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.queue != name {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
	return len(q.messages)
}

func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[0] == "#" {
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if pattern[0] == "*" || pattern[0] == key[0] {
		return matchWords(pattern[1:], key[1:])
	}
	return false
}

type fakeConn struct {
	b        *fakeBroker
	channels []*fakeChannel
	notify   []chan *amqp.Error
	closed   bool
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.b.channelErr != nil {
		return nil, c.b.channelErr
	}
	ch := &fakeChannel{
		b:         c.b,
		conn:      c,
		unacked:   make(map[uint64]unacked),
		consumers: make(map[string]*fakeConsumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := append([]*fakeChannel(nil), c.channels...)
	c.b.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(nil)
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for name, q := range c.b.queues {
		if q.exclusive && q.owner == c {
			c.b.removeQueueLocked(name)
		}
	}
	for _, n := range c.notify {
		close(n)
	}
	c.notify = nil
	return nil
}

type fakeChannel struct {
	b    *fakeBroker
	conn *fakeConn

	closed    bool
	prefetch  int
	tx        bool
	confirm   bool
	published uint64
	nextTag   uint64
	unacked   map[uint64]unacked
	consumers map[string]*fakeConsumer
	pending   []txOp

	notifyClose   []chan *amqp.Error
	notifyPublish []chan amqp.Confirmation
}

func (ch *fakeChannel) deliverLocked(c *fakeConsumer, m fakeMessage) {
	ch.nextTag++
	tag := ch.nextTag
	if !c.autoAck {
		ch.unacked[tag] = unacked{queue: c.queue, msg: m}
	}
	c.queue.consumed = true
	p := m.pub
	c.out <- amqp.Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            p.Body,
	}
}

func (ch *fakeChannel) checkLocked() error {
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return nil, err
	}
	q, ok := ch.b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}
	if _, dup := ch.consumers[consumer]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - reused consumer tag"}
	}
	c := &fakeConsumer{ch: ch, tag: consumer, queue: q, autoAck: autoAck, out: make(chan amqp.Delivery, 1024)}
	ch.consumers[consumer] = c
	q.consumers = append(q.consumers, c)
	ch.b.dispatchLocked()
	return c.out, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	c, ok := ch.consumers[consumer]
	if !ok {
		return nil
	}
	ch.detachLocked(c)
	return nil
}

func (ch *fakeChannel) detachLocked(c *fakeConsumer) {
	delete(ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	close(c.out)
	if q.autoDelete && len(q.consumers) == 0 {
		ch.b.removeQueueLocked(q.name)
	}
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	if _, ok := ch.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	if ch.tx {
		ch.pending = append(ch.pending, txOp{ack: true, tag: tag})
		return nil
	}
	ch.settleLocked(tag, true, false)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	if _, ok := ch.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	if ch.tx {
		ch.pending = append(ch.pending, txOp{tag: tag, requeue: requeue})
		return nil
	}
	ch.settleLocked(tag, false, requeue)
	return nil
}

func (ch *fakeChannel) settleLocked(tag uint64, ack, requeue bool) {
	u, ok := ch.unacked[tag]
	if !ok {
		return
	}
	delete(ch.unacked, tag)
	switch {
	case ack:
	case requeue:
		ch.b.requeueLocked(u.queue, u.msg)
	default:
		ch.b.deadLetterLocked(u.queue, u.msg)
	}
	ch.b.dispatchLocked()
}

func (ch *fakeChannel) Tx() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	ch.tx = true
	return nil
}

func (ch *fakeChannel) TxCommit() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	if !ch.tx {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - channel is not transactional"}
	}
	ops := ch.pending
	ch.pending = nil
	for _, op := range ops {
		if op.publish != nil {
			ch.b.routeLocked(*op.publish)
			continue
		}
		ch.settleLocked(op.tag, op.ack, op.requeue)
	}
	ch.b.dispatchLocked()
	return nil
}

func (ch *fakeChannel) TxRollback() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	if !ch.tx {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - channel is not transactional"}
	}
	ch.pending = nil
	return nil
}

func (ch *fakeChannel) Confirm(_ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	if ch.tx {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - cannot switch from tx to confirm mode"}
	}
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.notifyPublish = append(ch.notifyPublish, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notifyClose = append(ch.notifyClose, c)
	return c
}

func (ch *fakeChannel) GetNextPublishSeqNo() uint64 {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.published + 1
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	m := fakeMessage{pub: msg, exchange: exchange, key: key}
	if ch.tx {
		ch.pending = append(ch.pending, txOp{publish: &m})
		return nil
	}
	ch.b.routeLocked(m)
	ch.b.dispatchLocked()
	if ch.confirm {
		ch.published++
		if !ch.b.holdConfirms {
			for _, n := range ch.notifyPublish {
				n <- amqp.Confirmation{DeliveryTag: ch.published, Ack: !ch.b.nackPublish}
			}
		}
	}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		ch.b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", ch.b.nextQueue)
	}
	if q, ok := ch.b.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}
	q := &fakeQueue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	if exclusive {
		q.owner = ch.conn
	}
	ch.b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if err := ch.checkLocked(); err != nil {
		return err
	}
	if _, ok := ch.b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	ch.b.bindings = append(ch.b.bindings, fakeBinding{queue: name, exchange: exchange, key: key})
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.b.mu.Lock()
	closed := ch.closed
	ch.b.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// shutdown closes the channel, requeueing its unacknowledged deliveries.
// A non-nil cause is reported to close listeners first.
func (ch *fakeChannel) shutdown(cause *amqp.Error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	ch.pending = nil

	for _, c := range ch.consumers {
		ch.detachLocked(c)
	}
	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		if _, alive := ch.b.queues[u.queue.name]; alive {
			ch.b.requeueLocked(u.queue, u.msg)
		}
	}
	for _, n := range ch.notifyClose {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	for _, n := range ch.notifyPublish {
		close(n)
	}
	ch.notifyClose, ch.notifyPublish = nil, nil
	ch.b.dispatchLocked()
}

var errDialRefused = errors.New("dial tcp: connection refused")
