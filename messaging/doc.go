// Package messaging implements the session, flow and producer core of the
// client.
//
// This package implements the primary messaging paths:
//   - Session: One broker connection with a control channel and, when
//     transacted, the channel its Transaction runs on
//   - Flow: Flow-controlled receive path over a queue, a durable topic
//     endpoint or a direct topic listener
//   - Producer: Send path with publisher confirms keyed by correlation key
//   - Transaction: Commit and rollback of sends and settlements
//
// Every blocking broker round-trip runs on its own goroutine and resolves
// a single future, so Session.Close fails in-flight calls with
// contracts.ErrClosed instead of leaving them blocked.
//
// Example usage:
//
//	sess, err := messaging.Open(ctx, cfg, messaging.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	flow, err := sess.OpenConsumerFlow(ctx, contracts.DurableTopicSubscription{
//		TopicName:    "orders/>",
//		EndpointName: "billing-orders",
//	})
//	if err != nil {
//		return err
//	}
//
//	msg, err := flow.Receive(ctx, 5*time.Second)
//	if err != nil || msg == nil {
//		return err
//	}
//	if err := flow.Ack(msg); err != nil {
//		return err
//	}
//
// Received messages are settled through the flow that delivered them. A
// settlement handle is single use and does not survive a flow reconnect or
// the end of a transaction.
package messaging
