// Package rabbitmq adapts amqp091-go to the request/response transport.
//
// This package includes:
//   - Channel and Connection: the broker operations the transport relies on
//   - Link: one dialed connection that reports broker-initiated closes
//   - Bootstrap: connection, channel, prefetch and exchange in one step
//   - TopologyManager: exchanges, queues, bindings and the dead-letter pair
//   - Publisher: client-side requests and correlated reply consumption
//   - Consumer: listener-side consumption with ack, nack and direct replies
//
// Nothing here reconnects. When the broker closes a channel or connection
// the owning actor is expected to be recreated.
package rabbitmq
