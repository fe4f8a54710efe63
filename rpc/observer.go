package rpc

import (
	"context"
	"log/slog"
	"time"
)

// Event describes one step of a round trip
type Event struct {
	CorrelationID string
	Exchange      string
	RoutingKey    string
	// Queue is the reply queue for collector events
	Queue       string
	DeliveryTag uint64
	Redelivered bool
	// Elapsed is the time since the waiter registered, for match and timeout events
	Elapsed time.Duration
	Err     error
}

// Observer is notified at the extension points of the publish and collect paths.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	OnPublish(ctx context.Context, ev Event)
	OnMatch(ctx context.Context, ev Event)
	OnRequeue(ctx context.Context, ev Event)
	OnSkip(ctx context.Context, ev Event)
	OnTimeout(ctx context.Context, ev Event)
	OnBrokerError(ctx context.Context, ev Event)
}

// NopObserver ignores every event. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) OnPublish(context.Context, Event)     {}
func (NopObserver) OnMatch(context.Context, Event)       {}
func (NopObserver) OnRequeue(context.Context, Event)     {}
func (NopObserver) OnSkip(context.Context, Event)        {}
func (NopObserver) OnTimeout(context.Context, Event)     {}
func (NopObserver) OnBrokerError(context.Context, Event) {}

// LogObserver writes events to a structured logger
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer logging to logger, or slog.Default when nil
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnPublish(ctx context.Context, ev Event) {
	if ev.Err != nil {
		o.logger.ErrorContext(ctx, "publish failed",
			"exchange", ev.Exchange,
			"routingKey", ev.RoutingKey,
			"correlationId", ev.CorrelationID,
			"error", ev.Err)
		return
	}
	o.logger.DebugContext(ctx, "request published",
		"exchange", ev.Exchange,
		"routingKey", ev.RoutingKey,
		"correlationId", ev.CorrelationID)
}

func (o *LogObserver) OnMatch(ctx context.Context, ev Event) {
	o.logger.DebugContext(ctx, "reply matched",
		"queue", ev.Queue,
		"correlationId", ev.CorrelationID,
		"deliveryTag", ev.DeliveryTag,
		"elapsed", ev.Elapsed)
}

func (o *LogObserver) OnRequeue(ctx context.Context, ev Event) {
	o.logger.DebugContext(ctx, "reply requeued",
		"queue", ev.Queue,
		"correlationId", ev.CorrelationID,
		"deliveryTag", ev.DeliveryTag,
		"redelivered", ev.Redelivered)
}

func (o *LogObserver) OnSkip(ctx context.Context, ev Event) {
	o.logger.WarnContext(ctx, "skipping reply without correlation id",
		"queue", ev.Queue,
		"deliveryTag", ev.DeliveryTag)
}

func (o *LogObserver) OnTimeout(ctx context.Context, ev Event) {
	o.logger.WarnContext(ctx, "reply timed out",
		"queue", ev.Queue,
		"correlationId", ev.CorrelationID,
		"elapsed", ev.Elapsed)
}

func (o *LogObserver) OnBrokerError(ctx context.Context, ev Event) {
	o.logger.ErrorContext(ctx, "broker error while waiting for reply",
		"queue", ev.Queue,
		"correlationId", ev.CorrelationID,
		"error", ev.Err)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) OnPublish(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnPublish(ctx, ev)
	}
}

func (m MultiObserver) OnMatch(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnMatch(ctx, ev)
	}
}

func (m MultiObserver) OnRequeue(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnRequeue(ctx, ev)
	}
}

func (m MultiObserver) OnSkip(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnSkip(ctx, ev)
	}
}

func (m MultiObserver) OnTimeout(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnTimeout(ctx, ev)
	}
}

func (m MultiObserver) OnBrokerError(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnBrokerError(ctx, ev)
	}
}
