// Package serialization converts between AMQP 0.9.1 deliveries and the
// structured contracts.Message.
//
// Message attributes map onto AMQP basic properties where one exists
// (message id, type, correlation id, reply-to, app id, timestamp, priority,
// expiration). Everything else travels in headers under the reserved
// x-smf- prefix, and user properties become the remaining headers:
//
//	codec, _ := serialization.NewCodec(serialization.WithCompressionLevel(3))
//	pub, err := codec.Encode(&contracts.Message{Payload: []byte("abc")})
//	...
//	msg, err := codec.Decode(delivery)
package serialization
