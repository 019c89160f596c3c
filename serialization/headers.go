package serialization

// Header names used on the wire. Every name under HeaderPrefix is reserved
// for the codec and refused as a user property.
const (
	HeaderPrefix         = "x-smf-"
	HeaderUserData       = HeaderPrefix + "user-data"
	HeaderSequenceNumber = HeaderPrefix + "sequence-number"
	// HeaderPriority marks an explicitly set priority, including 0.
	HeaderPriority = HeaderPrefix + "priority"
	// HeaderSenderTimestamp carries the sender timestamp in Unix
	// milliseconds; the AMQP timestamp property holds whole seconds only.
	HeaderSenderTimestamp = HeaderPrefix + "sender-timestamp"
	// HeaderTextPayload and HeaderContentPayload carry payloads written by
	// older producers. They are read as fallbacks and never written.
	HeaderTextPayload    = HeaderPrefix + "text"
	HeaderContentPayload = HeaderPrefix + "content"

	// HeaderDeliveryCount is maintained by the broker on redelivery.
	HeaderDeliveryCount = "x-delivery-count"

	ContentEncodingZstd = "zstd"
)
