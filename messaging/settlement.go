package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/internal/rabbitmq"
)

// pendingSettlements maps the opaque handles given out with received
// messages to delivery tags on the flow's current channel. Each handle can
// be taken once.
type pendingSettlements struct {
	owner   string
	mu      sync.Mutex
	next    uint64
	entries map[uint64]uint64
}

func newPendingSettlements(owner string) *pendingSettlements {
	return &pendingSettlements{
		owner:   owner,
		entries: make(map[uint64]uint64),
	}
}

func (p *pendingSettlements) add(tag uint64) *contracts.SettlementHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.entries[p.next] = tag
	return contracts.NewSettlementHandle(p.owner, p.next)
}

// peek reports whether h is live without consuming it.
func (p *pendingSettlements) peek(h *contracts.SettlementHandle) bool {
	if h == nil || h.Owner() != p.owner {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[h.ID()]
	return ok
}

func (p *pendingSettlements) take(h *contracts.SettlementHandle) (uint64, error) {
	if h == nil || h.Owner() != p.owner {
		return 0, contracts.ErrNotSettleable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tag, ok := p.entries[h.ID()]
	if !ok {
		return 0, contracts.ErrNotSettleable
	}
	delete(p.entries, h.ID())
	return tag, nil
}

// clear invalidates every outstanding handle. Delivery tags do not survive
// the channel they were issued on.
func (p *pendingSettlements) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	p.entries = make(map[uint64]uint64)
	return n
}

func (p *pendingSettlements) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ackBatcher buffers positive acknowledgements and sends them once the
// batch size is reached or the timer fires.
type ackBatcher struct {
	channel  func() rabbitmq.Channel
	size     int
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []uint64
	timer   *time.Timer
	stopped bool
}

func newAckBatcher(channel func() rabbitmq.Channel, size int, interval time.Duration, logger *slog.Logger) *ackBatcher {
	return &ackBatcher{
		channel:  channel,
		size:     size,
		interval: interval,
		logger:   logger,
	}
}

func (b *ackBatcher) ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return contracts.ErrClosed
	}

	b.pending = append(b.pending, tag)
	if len(b.pending) >= b.size {
		return b.flushLocked()
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	}
	return nil
}

func (b *ackBatcher) onTimer() {
	if err := b.flush(); err != nil {
		b.logger.Warn("Failed to flush acknowledgements", "error", err)
	}
}

func (b *ackBatcher) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *ackBatcher) flushLocked() error {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}

	ch := b.channel()
	tags := b.pending
	b.pending = nil
	if ch == nil {
		return contracts.ErrClosed
	}
	for i, tag := range tags {
		if err := ch.Ack(tag, false); err != nil {
			b.logger.Warn("Acknowledgement failed", "tag", tag, "unsent", len(tags)-i, "error", err)
			return err
		}
	}
	return nil
}

// reset drops buffered tags that belong to a lost channel.
func (b *ackBatcher) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}

// stop flushes and refuses further acks.
func (b *ackBatcher) stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.flushLocked()
	b.stopped = true
	return err
}
