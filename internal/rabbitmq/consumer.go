package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeChannel is the subset of *amqp.Channel the reply consumer needs
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyCancel(c chan string) chan string
}

// ReplyConsumer is the single manual-ack consumer over a shared reply queue.
// NextDelivery is meant to be driven by one goroutine.
type ReplyConsumer struct {
	ch            ConsumeChannel
	queue         string
	consumerTag   string
	prefetchCount int
	exclusive     bool
	logger        *slog.Logger

	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
	cancelled  chan string

	mu      sync.Mutex
	started bool
	err     error
}

// ReplyConsumerOption configures the reply consumer
type ReplyConsumerOption func(*ReplyConsumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.logger = logger
	}
}

// NewReplyConsumer creates a consumer for queue on ch. Call Start before NextDelivery.
func NewReplyConsumer(ch ConsumeChannel, queue string, options ...ReplyConsumerOption) *ReplyConsumer {
	c := &ReplyConsumer{
		ch:            ch,
		queue:         queue,
		consumerTag:   "rabbitrpc-" + uuid.New().String()[:8],
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Start sets QoS and begins consuming without auto-ack
func (c *ReplyConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if err := c.ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError("qos", err)
	}

	// notifications are registered first so a close during Consume is not missed
	c.closed = c.ch.NotifyClose(make(chan *amqp.Error, 1))
	c.cancelled = c.ch.NotifyCancel(make(chan string, 1))

	deliveries, err := c.ch.Consume(
		c.queue,
		c.consumerTag,
		false, // autoAck
		c.exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return c.consumerError("consume", err)
	}

	c.deliveries = deliveries
	c.started = true

	c.logger.Info("consuming replies",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)
	return nil
}

// NextDelivery blocks until a delivery arrives, the broker ends the consumer, or ctx is done.
// Broker shutdown yields an error wrapping ErrShutdown; broker cancellation one wrapping
// ErrConsumerCancelled. Both are sticky. Context errors are returned unwrapped.
func (c *ReplyConsumer) NextDelivery(ctx context.Context) (amqp.Delivery, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return amqp.Delivery{}, c.consumerError("next delivery", ErrConsumerNotStarted)
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return amqp.Delivery{}, err
	}
	c.mu.Unlock()

	select {
	case d, ok := <-c.deliveries:
		if ok {
			return d, nil
		}
		return amqp.Delivery{}, c.fail(c.terminalCause())

	case tag := <-c.cancelled:
		return amqp.Delivery{}, c.fail(fmt.Errorf("%w: tag %s", ErrConsumerCancelled, tag))

	case amqpErr, ok := <-c.closed:
		if !ok || amqpErr == nil {
			return amqp.Delivery{}, c.fail(ErrChannelClosed)
		}
		return amqp.Delivery{}, c.fail(fmt.Errorf("%w: %v", ErrShutdown, amqpErr))

	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// terminalCause inspects the notification channels after the delivery channel closed
func (c *ReplyConsumer) terminalCause() error {
	select {
	case tag := <-c.cancelled:
		return fmt.Errorf("%w: tag %s", ErrConsumerCancelled, tag)
	default:
	}

	select {
	case amqpErr, ok := <-c.closed:
		if ok && amqpErr != nil {
			return fmt.Errorf("%w: %v", ErrShutdown, amqpErr)
		}
	default:
	}

	return ErrChannelClosed
}

func (c *ReplyConsumer) fail(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = c.consumerError("next delivery", cause)
		c.logger.Error("reply consumer stopped",
			"queue", c.queue,
			"consumerTag", c.consumerTag,
			"error", cause,
		)
	}
	return c.err
}

// Err returns the terminal error, if the consumer has stopped
func (c *ReplyConsumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Active reports whether the consumer is started and has not stopped
func (c *ReplyConsumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && c.err == nil
}

// Cancel stops the consumer on the broker; unacked deliveries return to the queue
func (c *ReplyConsumer) Cancel() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}
	if err := c.ch.Cancel(c.consumerTag, false); err != nil {
		return c.consumerError("cancel", err)
	}
	return nil
}

// Queue returns the consumed queue name
func (c *ReplyConsumer) Queue() string {
	return c.queue
}

// ConsumerTag returns the consumer tag
func (c *ReplyConsumer) ConsumerTag() string {
	return c.consumerTag
}

func (c *ReplyConsumer) consumerError(op string, err error) *ConsumerError {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
