package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the view of a connection manager the connection checker needs
type Connection interface {
	IsConnected() bool
	LastError() *amqp.Error
	URL() string
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn Connection
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"url": c.conn.URL()},
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		if lastErr := c.conn.LastError(); lastErr != nil {
			result.Error = lastErr.Error()
			result.Details["close_code"] = lastErr.Code
		}
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	return result
}

// Collector is the view of a reply collector the collector checker needs
type Collector interface {
	Queue() string
	Running() bool
	Outstanding() int
	Err() error
}

// CollectorChecker checks that replies are still being consumed
type CollectorChecker struct {
	collector Collector
	// maxOutstanding marks the collector degraded when more calls wait at once
	maxOutstanding int
}

// NewCollectorChecker creates a new collector health checker. A maxOutstanding
// of zero disables the backlog check.
func NewCollectorChecker(collector Collector, maxOutstanding int) *CollectorChecker {
	return &CollectorChecker{
		collector:      collector,
		maxOutstanding: maxOutstanding,
	}
}

func (c *CollectorChecker) Name() string {
	return "reply_collector"
}

func (c *CollectorChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	outstanding := c.collector.Outstanding()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"queue":       c.collector.Queue(),
			"outstanding": outstanding,
		},
	}

	switch {
	case c.collector.Err() != nil:
		result.Status = StatusUnhealthy
		result.Message = "Reply collector stopped"
		result.Error = c.collector.Err().Error()
	case !c.collector.Running():
		result.Status = StatusUnhealthy
		result.Message = "Reply collector is not running"
	case c.maxOutstanding > 0 && outstanding > c.maxOutstanding:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d calls waiting for replies", outstanding)
	default:
		result.Status = StatusHealthy
		result.Message = "Reply collector is consuming"
	}

	result.Duration = time.Since(start)
	return result
}

// InspectChannel is a channel opened for a single check and closed afterwards
type InspectChannel interface {
	rabbitmq.QueueChannel
	Close() error
}

// ChannelOpener opens a fresh channel. A failed passive declare closes the
// channel it runs on, so checks never borrow the consumer's channel.
type ChannelOpener func() (InspectChannel, error)

// ReplyQueueChecker checks that the reply queue exists and is consumed
type ReplyQueueChecker struct {
	queueName string
	open      ChannelOpener
	// backlog marks the queue degraded when more replies sit in it
	backlog int
}

// NewReplyQueueChecker creates a new reply queue health checker
func NewReplyQueueChecker(queueName string, open ChannelOpener, backlog int) *ReplyQueueChecker {
	return &ReplyQueueChecker{
		queueName: queueName,
		open:      open,
		backlog:   backlog,
	}
}

func (c *ReplyQueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *ReplyQueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	ch, err := c.open()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Cannot open a channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	// closing after a 404 reports the channel as already closed
	defer func() { _ = ch.Close() }()

	queue, err := rabbitmq.DeclareReplyQueue(ch, rabbitmq.ExistingReplyQueue(c.queueName))
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	switch {
	case queue.Consumers == 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("No consumers on queue %s", c.queueName)
	case c.backlog > 0 && queue.Messages > c.backlog:
		// replies nobody claims keep cycling through requeue
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has %d unclaimed replies", c.queueName, queue.Messages)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}
