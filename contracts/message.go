package contracts

import (
	"time"
)

// MaxUserDataSize is the largest user-data blob a message may carry.
const MaxUserDataSize = 36

// DeliveryMode is the delivery guarantee requested for a message.
type DeliveryMode int

const (
	// Persistent messages are spooled by the broker and survive restarts.
	Persistent DeliveryMode = iota
	// Direct messages are best-effort and never spooled.
	Direct
)

func (m DeliveryMode) String() string {
	if m == Direct {
		return "DIRECT"
	}
	return "PERSISTENT"
}

// Message is the structured in-memory form of a broker message.
//
// Optional fields are pointers or zero values; a nil pointer means the field
// was absent on the wire. ReceiveTimestamp, Redelivered and DeliveryCount are
// receiver-only and ignored on send. SenderTimestamp travels with millisecond
// precision.
type Message struct {
	Payload      []byte
	DeliveryMode DeliveryMode

	Priority       *int
	TimeToLive     time.Duration
	AppMessageID   string
	AppMessageType string
	CorrelationID  string
	ReplyTo        Destination

	// CorrelationKey keys the asynchronous publish outcome. Generated on send when empty.
	CorrelationKey string

	SenderID        string
	SenderTimestamp *time.Time
	SequenceNumber  *int64

	ReceiveTimestamp *time.Time
	ExpiresAt        *time.Time
	Redelivered      bool
	DeliveryCount    *int

	Properties Properties
	UserData   []byte

	// Destination is set on received messages to the endpoint they arrived on.
	Destination Destination

	handle *SettlementHandle
}

// SettlementHandle is an opaque reference into the pending-settlement table
// of the flow that received a message.
type SettlementHandle struct {
	owner string
	id    uint64
}

// NewSettlementHandle creates a handle for entry id of the table owned by owner.
func NewSettlementHandle(owner string, id uint64) *SettlementHandle {
	return &SettlementHandle{owner: owner, id: id}
}

// Owner returns the identifier of the owning flow.
func (h *SettlementHandle) Owner() string { return h.owner }

// ID returns the table index of the handle.
func (h *SettlementHandle) ID() uint64 { return h.id }

// AttachHandle binds a settlement handle to a received message.
func (m *Message) AttachHandle(h *SettlementHandle) {
	m.handle = h
}

// Handle returns the live settlement handle, or nil when the message has none.
func (m *Message) Handle() *SettlementHandle {
	return m.handle
}

// IntPtr is a convenience for optional integer fields.
func IntPtr(v int) *int { return &v }
