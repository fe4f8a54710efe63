package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueChannel is the subset of *amqp.Channel used for reply queue provisioning
type QueueChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// ReplyQueueDeclaration defines the reply queue an RPC client consumes from
type ReplyQueueDeclaration struct {
	// Name of the queue. Empty asks the broker for a server-named queue.
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// Passive only checks that a pre-provisioned queue exists
	Passive   bool
	Arguments amqp.Table
}

// TemporaryReplyQueue is an exclusive, auto-deleted, server-named queue private to one connection
func TemporaryReplyQueue() ReplyQueueDeclaration {
	return ReplyQueueDeclaration{
		AutoDelete: true,
		Exclusive:  true,
	}
}

// ExistingReplyQueue checks a pre-provisioned queue without changing it
func ExistingReplyQueue(name string) ReplyQueueDeclaration {
	return ReplyQueueDeclaration{
		Name:    name,
		Durable: true,
		Passive: true,
	}
}

// DeclareReplyQueue declares (or passively checks) the reply queue and returns its broker name
func DeclareReplyQueue(ch QueueChannel, decl ReplyQueueDeclaration) (amqp.Queue, error) {
	if decl.Passive && decl.Name == "" {
		return amqp.Queue{}, fmt.Errorf("%w: passive declaration needs a queue name", ErrInvalidConfiguration)
	}

	declare := ch.QueueDeclare
	op := "declare reply queue"
	if decl.Passive {
		declare = ch.QueueDeclarePassive
		op = "inspect reply queue"
	}

	q, err := declare(
		decl.Name,
		decl.Durable,
		decl.AutoDelete,
		decl.Exclusive,
		false, // no-wait
		decl.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &ChannelError{
			Op:        fmt.Sprintf("%s %q", op, decl.Name),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}
