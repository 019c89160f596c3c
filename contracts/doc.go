// Package contracts defines the value types shared by the messaging core.
//
// This package includes:
//   - Destination: Queue or Topic, with map parsing and encoding
//   - SubscriptionConfig: queue, direct topic and durable topic subscriptions with flow settings
//   - Message and Properties: the structured message model and its typed property map
//   - Error kinds returned by every operation of the core
//
// Nothing here performs I/O.
package contracts
