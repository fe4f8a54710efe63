// Package rabbitmq provides the amqp091-go plumbing used by the rabbitrpc client.
//
// This package includes:
//   - ConnectionManager: Dials RabbitMQ and tracks whether the connection is still usable
//   - ReplyConsumer: The single manual-ack consumer over a reply queue
//   - DeclareReplyQueue: Server-named or fixed reply queue declaration
//
// Channel lifecycle belongs to the caller that opened it. Nothing in the RPC core closes a
// channel on a per-call basis; the consumer only reports that the broker closed or cancelled it.
package rabbitmq
