package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/internal/async"
	"github.com/glimte/smfcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errBrokerNack = errors.New("broker rejected message")

// pendingPublish is one send awaiting its confirm
type pendingPublish struct {
	correlationKey string
	publishedAt    time.Time
	result         *async.Future[struct{}]
}

// publishTracker resolves sends from the publisher confirms of one
// confirm-mode channel. Entries are keyed by publish sequence number and
// carry the correlation key reported back to the caller.
type publishTracker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingPublish
	failed  error
	done    chan struct{}
}

func newPublishTracker(ch rabbitmq.Channel, logger *slog.Logger) *publishTracker {
	t := &publishTracker{
		logger:  logger,
		pending: make(map[uint64]*pendingPublish),
		done:    make(chan struct{}),
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go t.dispatch(confirms, closes)
	return t
}

// register adds a pending send for seq. It fails once the channel is gone.
func (t *publishTracker) register(seq uint64, correlationKey string) (*async.Future[struct{}], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return nil, t.failed
	}
	result := async.New[struct{}]()
	t.pending[seq] = &pendingPublish{
		correlationKey: correlationKey,
		publishedAt:    time.Now(),
		result:         result,
	}
	return result, nil
}

// forget drops seq without resolving it.
func (t *publishTracker) forget(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, seq)
}

func (t *publishTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// alive reports whether the tracked channel is still delivering confirms.
func (t *publishTracker) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *publishTracker) dispatch(confirms <-chan amqp.Confirmation, closes <-chan *amqp.Error) {
	var cause error = contracts.ErrClosed
	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				t.fail(cause)
				return
			}
			t.resolve(c)
		case err, ok := <-closes:
			if ok && err != nil {
				cause = fmt.Errorf("%w: %w", contracts.ErrClosed, err)
			}
			closes = nil
		}
	}
}

func (t *publishTracker) resolve(c amqp.Confirmation) {
	t.mu.Lock()
	entry, ok := t.pending[c.DeliveryTag]
	delete(t.pending, c.DeliveryTag)
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("Confirm for unknown publish", "seq", c.DeliveryTag)
		return
	}
	if c.Ack {
		t.onAck(entry)
		return
	}
	t.onError(entry, errBrokerNack, time.Now())
}

func (t *publishTracker) onAck(entry *pendingPublish) {
	entry.result.Resolve(struct{}{}, nil)
	t.logger.Debug("Publish confirmed",
		"correlationKey", entry.correlationKey,
		"latency", time.Since(entry.publishedAt))
}

func (t *publishTracker) onError(entry *pendingPublish, cause error, at time.Time) {
	entry.result.Resolve(struct{}{}, &contracts.PublishError{
		CorrelationKey: entry.correlationKey,
		Cause:          cause,
		Timestamp:      at,
	})
	t.logger.Warn("Publish failed", "correlationKey", entry.correlationKey, "error", cause)
}

// fail resolves every outstanding send with cause and refuses new ones.
func (t *publishTracker) fail(cause error) {
	t.mu.Lock()
	if t.failed != nil {
		t.mu.Unlock()
		return
	}
	t.failed = cause
	pending := t.pending
	t.pending = make(map[uint64]*pendingPublish)
	close(t.done)
	t.mu.Unlock()

	now := time.Now()
	for _, entry := range pending {
		t.onError(entry, cause, now)
	}
}
