// Package rabbitmq is the AMQP 0.9.1 transport layer of the messaging core.
//
// This package includes:
//   - ConnectionManager: dials the host list with connect retries and reconnects after loss
//   - ChannelProperties: maps a connection configuration onto amqp091 settings, SASL and TLS
//   - TopologyManager: provisions durable endpoints and bindings on short-lived channels
//   - Channel and Connection: the narrow interfaces the core depends on
package rabbitmq
