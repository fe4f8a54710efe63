// Package rpc implements synchronous request/reply on top of RabbitMQ.
//
// This package implements:
//   - Publisher: Resolves correlation and routing for a request and publishes it
//   - Collector: One consumption loop over a shared reply queue that hands each reply to the caller waiting on its correlation id
//   - Sender: Publish followed by wait, with a producer span and trace context in the request headers
//   - EndpointConfig: The typed form of a rabbitmq: endpoint's property table
//   - CodecRegistry: Formatter/parser pairs selected by content type
//   - Observer: Extension points for publish, match, requeue, skip, timeout and broker errors
//
// Key behaviour:
//   - A reply is acked only when a caller waits for its correlation id; any other reply is requeued
//   - Replies without a correlation id are skipped without ack or requeue
//   - A timeout (TimeoutError) is always distinct from a transport failure (BrokerError)
//   - Nothing in this package closes the channel it publishes or consumes on
//
// Example usage:
//
//	props, err := rpc.ParseEndpoint("rabbitmq:/orders?rabbitmq.replyto.name=" + replyQueue)
//	if err != nil {
//		return err
//	}
//	cfg, err := rpc.NewEndpointConfig(props)
//	if err != nil {
//		return err
//	}
//
//	collector := rpc.NewCollector(consumer, replyQueue)
//	collector.Start(ctx)
//	defer collector.Close()
//
//	sender := rpc.NewSender(rpc.NewPublisher(ch), collector)
//	reply, err := sender.Send(ctx, contracts.NewMessage("application/json", nil), order, cfg)
//	if rpc.IsTimeout(err) {
//		// no reply within cfg.ReplyTimeout
//	}
package rpc
