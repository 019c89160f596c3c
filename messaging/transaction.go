package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transaction is the unit of work of a transacted session. Sends and
// settlements ride its channel and take effect on Commit.
type Transaction struct {
	ch     rabbitmq.Channel
	logger *slog.Logger

	mu        sync.Mutex
	consumed  []uint64
	unsettled map[uint64]struct{}
	released  []uint64 // returned unconsumed; requeued again on rollback
	dirty     bool
	lost      error
	onSettle  func()
	closed    bool
}

func newTransaction(ch rabbitmq.Channel, logger *slog.Logger) *Transaction {
	return &Transaction{
		ch:        ch,
		logger:    logger,
		unsettled: make(map[uint64]struct{}),
	}
}

// track records a delivery handed out within the current transaction.
func (tx *Transaction) track(tag uint64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.consumed = append(tx.consumed, tag)
	tx.unsettled[tag] = struct{}{}
	tx.dirty = true
}

// release returns a delivery that was prefetched but never handed out.
// The requeue rides the transaction like any other settlement, so a
// rollback repeats it.
func (tx *Transaction) release(tag uint64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return contracts.ErrClosed
	}
	if err := tx.ch.Nack(tag, false, true); err != nil {
		return fmt.Errorf("failed to return delivery %d in transaction: %w", tag, err)
	}
	tx.released = append(tx.released, tag)
	tx.dirty = true
	return nil
}

func (tx *Transaction) channel() rabbitmq.Channel {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.ch
}

// rebind moves the transaction onto ch after the connection was restored.
// Work done on the lost channel is gone; the next Commit reports it.
func (tx *Transaction) rebind(ch rabbitmq.Channel) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return contracts.ErrClosed
	}
	tx.ch = ch
	if tx.dirty {
		tx.lost = fmt.Errorf("%w: transaction channel lost on reconnect", contracts.ErrClosed)
		tx.logger.Warn("Transaction lost on reconnect", "consumed", len(tx.consumed))
	}
	tx.resetLocked()
	return nil
}

// ack settles one delivery inside the transaction.
func (tx *Transaction) ack(tag uint64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return contracts.ErrClosed
	}
	if err := tx.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to acknowledge in transaction: %w", err)
	}
	delete(tx.unsettled, tag)
	tx.dirty = true
	return nil
}

// publish sends within the transaction.
func (tx *Transaction) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return contracts.ErrClosed
	}
	if err := tx.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return err
	}
	tx.dirty = true
	return nil
}

// onComplete registers fn to run after every commit or rollback; handles
// given out within the finished transaction are no longer settleable.
func (tx *Transaction) onComplete(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.onSettle = fn
}

// Commit settles every consumed but unsettled delivery positively and
// commits. When the previous transaction channel was lost to a reconnect
// the whole unit of work fails with contracts.ErrClosed and whatever was
// done on the new channel is rolled back.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(ctx); err != nil {
		return err
	}
	if lost := tx.lost; lost != nil {
		tx.lost = nil
		if err := tx.rollbackLocked(); err != nil {
			tx.logger.Warn("Failed to discard work after lost transaction", "error", err)
		}
		return lost
	}

	for tag := range tx.unsettled {
		if err := tx.ch.Ack(tag, false); err != nil {
			return fmt.Errorf("failed to acknowledge delivery %d before commit: %w", tag, err)
		}
	}
	if err := tx.ch.TxCommit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	tx.logger.Debug("Transaction committed", "settled", len(tx.consumed))
	tx.resetLocked()
	return nil
}

// Rollback discards the transaction and requeues every delivery consumed
// in it. The requeue is committed as its own recovery unit.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(ctx); err != nil {
		return err
	}
	// The broker already discarded a lost unit of work with its channel.
	tx.lost = nil
	return tx.rollbackLocked()
}

func (tx *Transaction) rollbackLocked() error {
	if err := tx.ch.TxRollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	requeue := append(append([]uint64(nil), tx.consumed...), tx.released...)
	for _, tag := range requeue {
		if err := tx.ch.Nack(tag, false, true); err != nil {
			return fmt.Errorf("failed to requeue delivery %d: %w", tag, err)
		}
	}
	if len(requeue) > 0 {
		if err := tx.ch.TxCommit(); err != nil {
			return fmt.Errorf("failed to commit requeue after rollback: %w", err)
		}
	}

	tx.logger.Info("Transaction rolled back", "requeued", len(requeue))
	tx.resetLocked()
	return nil
}

func (tx *Transaction) usable(ctx context.Context) error {
	if tx.closed {
		return contracts.ErrClosed
	}
	return ctx.Err()
}

func (tx *Transaction) resetLocked() {
	tx.consumed = nil
	tx.released = nil
	tx.unsettled = make(map[uint64]struct{})
	tx.dirty = false
	if tx.onSettle != nil {
		tx.onSettle()
	}
}

// close abandons the transaction. Uncommitted work is discarded by the
// broker when the channel closes.
func (tx *Transaction) close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.ch.IsClosed() {
		return nil
	}
	return tx.ch.Close()
}
