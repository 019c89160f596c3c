package serialization

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/glimte/smfcore/config"
	"github.com/glimte/smfcore/contracts"
	"github.com/klauspost/compress/zstd"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Codec converts between AMQP deliveries/publishings and contracts.Message.
// A Codec is safe for concurrent use.
type Codec struct {
	level   int
	flags   config.Flags
	now     func() time.Time
	encoder *zstd.Encoder
	seq     atomic.Int64
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithCompressionLevel compresses payloads with zstd at level 1-9. Zero
// disables compression.
func WithCompressionLevel(level int) CodecOption {
	return func(c *Codec) {
		c.level = level
	}
}

// WithFlags enables generated timestamps, sequence numbers and expiration.
func WithFlags(flags config.Flags) CodecOption {
	return func(c *Codec) {
		c.flags = flags
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	c := &Codec{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if c.level < 0 || c.level > config.MaxCompressionLevel {
		return nil, contracts.NewValidationError("compressionLevel", "must be between 0 and %d", config.MaxCompressionLevel)
	}
	if c.level > 0 {
		enc, err := newCompressor(c.level)
		if err != nil {
			return nil, err
		}
		c.encoder = enc
	}
	return c, nil
}

// Encode builds the publishing for msg. The payload always travels in the
// body.
func (c *Codec) Encode(msg *contracts.Message) (amqp.Publishing, error) {
	if msg == nil {
		return amqp.Publishing{}, contracts.NewValidationError("message", "must not be nil")
	}
	if len(msg.UserData) > contracts.MaxUserDataSize {
		return amqp.Publishing{}, contracts.NewValidationError("userData",
			"%d bytes exceeds the %d byte limit", len(msg.UserData), contracts.MaxUserDataSize)
	}

	pub := amqp.Publishing{
		Headers:       amqp.Table{},
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.AppMessageID,
		Type:          msg.AppMessageType,
		CorrelationId: msg.CorrelationID,
		AppId:         msg.SenderID,
		Body:          msg.Payload,
	}
	if msg.DeliveryMode == contracts.Direct {
		pub.DeliveryMode = amqp.Transient
	}

	if msg.Priority != nil {
		if *msg.Priority < 0 || *msg.Priority > 255 {
			return amqp.Publishing{}, contracts.NewValidationError("priority", "must be between 0 and 255")
		}
		pub.Priority = uint8(*msg.Priority)
		pub.Headers[HeaderPriority] = int64(*msg.Priority)
	}
	if msg.TimeToLive < 0 {
		return amqp.Publishing{}, contracts.NewValidationError("timeToLive", "must not be negative")
	}
	if msg.TimeToLive > 0 {
		pub.Expiration = strconv.FormatInt(msg.TimeToLive.Milliseconds(), 10)
	}
	if msg.ReplyTo != nil {
		pub.ReplyTo = msg.ReplyTo.String()
	}

	var sent time.Time
	switch {
	case msg.SenderTimestamp != nil:
		sent = *msg.SenderTimestamp
	case c.flags.GenerateSendTimestamps:
		sent = c.now()
	}
	if !sent.IsZero() {
		pub.Timestamp = sent
		pub.Headers[HeaderSenderTimestamp] = sent.UnixMilli()
	}

	switch {
	case msg.SequenceNumber != nil:
		pub.Headers[HeaderSequenceNumber] = *msg.SequenceNumber
	case c.flags.GenerateSequenceNumbers:
		pub.Headers[HeaderSequenceNumber] = c.seq.Add(1)
	}

	if len(msg.UserData) > 0 {
		pub.Headers[HeaderUserData] = msg.UserData
	}
	if err := encodeProperties(msg.Properties, pub.Headers); err != nil {
		return amqp.Publishing{}, err
	}

	if c.encoder != nil && len(pub.Body) > 0 {
		pub.Body = c.encoder.EncodeAll(pub.Body, nil)
		pub.ContentEncoding = ContentEncodingZstd
	}
	return pub, nil
}

// Decode builds a Message from a delivery. Fields the delivery does not
// carry are left unset. The caller attaches the settlement handle.
func (c *Codec) Decode(d amqp.Delivery) (*contracts.Message, error) {
	payload, err := c.payload(d)
	if err != nil {
		return nil, err
	}

	msg := &contracts.Message{
		Payload:        payload,
		AppMessageID:   d.MessageId,
		AppMessageType: d.Type,
		CorrelationID:  d.CorrelationId,
		SenderID:       d.AppId,
		Redelivered:    d.Redelivered,
		Properties:     decodeProperties(d.Headers),
	}
	if d.DeliveryMode == amqp.Transient {
		msg.DeliveryMode = contracts.Direct
	}
	if _, explicit := headerInt(d.Headers, HeaderPriority); explicit || d.Priority > 0 {
		msg.Priority = contracts.IntPtr(int(d.Priority))
	}
	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
			msg.TimeToLive = time.Duration(ms) * time.Millisecond
		}
	}
	if d.ReplyTo != "" {
		if dest, ok := contracts.ParseReplyTo(d.ReplyTo); ok {
			msg.ReplyTo = dest
		}
	}
	if ms, ok := headerInt(d.Headers, HeaderSenderTimestamp); ok {
		ts := time.UnixMilli(ms).UTC()
		msg.SenderTimestamp = &ts
	} else if !d.Timestamp.IsZero() {
		ts := d.Timestamp
		msg.SenderTimestamp = &ts
	}
	if seq, ok := headerInt(d.Headers, HeaderSequenceNumber); ok {
		msg.SequenceNumber = &seq
	}
	if count, ok := headerInt(d.Headers, HeaderDeliveryCount); ok {
		msg.DeliveryCount = contracts.IntPtr(int(count))
	}
	if userData, ok := d.Headers[HeaderUserData].([]byte); ok && len(userData) > 0 {
		msg.UserData = userData
	}

	if c.flags.GenerateReceiveTimestamps {
		now := c.now()
		msg.ReceiveTimestamp = &now
	}
	if c.flags.CalculateMessageExpiration && msg.TimeToLive > 0 {
		base := c.now()
		if msg.SenderTimestamp != nil {
			base = *msg.SenderTimestamp
		}
		expires := base.Add(msg.TimeToLive)
		msg.ExpiresAt = &expires
	}
	return msg, nil
}

// payload reads the body, falling back to the legacy text and content
// headers when the body is empty.
func (c *Codec) payload(d amqp.Delivery) ([]byte, error) {
	if len(d.Body) > 0 {
		if d.ContentEncoding == ContentEncodingZstd {
			body, err := decompress(d.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to decode payload of %q: %w", d.MessageId, err)
			}
			return body, nil
		}
		return d.Body, nil
	}
	if text, ok := d.Headers[HeaderTextPayload].(string); ok {
		return []byte(text), nil
	}
	if content, ok := d.Headers[HeaderContentPayload].([]byte); ok {
		return content, nil
	}
	return []byte{}, nil
}
