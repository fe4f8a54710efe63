package rpc

import (
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"
)

// buildPublishing derives the broker delivery properties of msg
func buildPublishing(msg *contracts.Message, deliveryMode uint8) amqp.Publishing {
	headers := lo.Assign(amqp.Table{}, amqp.Table(msg.Headers))
	if msg.Action != "" {
		headers[contracts.ActionHeader] = msg.Action
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    deliveryMode,
		CorrelationId:   msg.CorrelationID,
		ReplyTo:         msg.ReplyTo,
		MessageId:       msg.MessageID,
		Timestamp:       time.Now(),
		Body:            msg.Body,
	}
}

// replyFromDelivery decodes a matched delivery. The content type falls back to
// fallbackContentType, then to contracts.DefaultContentType.
func replyFromDelivery(d amqp.Delivery, fallbackContentType string, logger *slog.Logger) *contracts.Message {
	contentType := lo.CoalesceOrEmpty(d.ContentType, fallbackContentType, contracts.DefaultContentType)
	if d.ContentType == "" && fallbackContentType == "" {
		logger.Warn("reply has no content type, using default",
			"correlationId", d.CorrelationId,
			"contentType", contentType)
	}

	body := make([]byte, len(d.Body))
	copy(body, d.Body)

	reply := &contracts.Message{
		Body:            body,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		ContentType:     contentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         lo.Assign(map[string]interface{}{}, map[string]interface{}(d.Headers)),
		DeliveryTag:     d.DeliveryTag,
	}
	reply.Action = reply.Header(contracts.ActionHeader)
	return reply
}
