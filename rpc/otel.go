package rpc

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
)

const instrumentationName = "github.com/glimte/rabbitrpc"

// OtelObserver records round trip metrics with OpenTelemetry
type OtelObserver struct {
	publishCount  metric.Int64Counter
	publishErrors metric.Int64Counter
	matched       metric.Int64Counter
	requeued      metric.Int64Counter
	skipped       metric.Int64Counter
	timeouts      metric.Int64Counter
	brokerErrors  metric.Int64Counter
	callDuration  metric.Float64Histogram
}

// NewOtelObserver creates the metric instruments on mp, or the global provider when nil
func NewOtelObserver(mp metric.MeterProvider) (*OtelObserver, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	o := &OtelObserver{}
	var err error

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&o.publishCount, "rabbitrpc.publish.count", "Number of requests published"},
		{&o.publishErrors, "rabbitrpc.publish.errors", "Number of failed publishes"},
		{&o.matched, "rabbitrpc.reply.matched", "Number of replies matched to a waiting caller"},
		{&o.requeued, "rabbitrpc.reply.requeued", "Number of replies requeued because nobody waited for them"},
		{&o.skipped, "rabbitrpc.reply.skipped", "Number of replies skipped for lack of a correlation id"},
		{&o.timeouts, "rabbitrpc.reply.timeouts", "Number of calls that timed out waiting for a reply"},
		{&o.brokerErrors, "rabbitrpc.broker.errors", "Number of calls failed by a broker error"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	o.callDuration, err = meter.Float64Histogram(
		"rabbitrpc.call.duration",
		metric.WithDescription("Time from registration to reply or timeout"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rabbitrpc.call.duration: %w", err)
	}

	return o, nil
}

func (o *OtelObserver) OnPublish(ctx context.Context, ev Event) {
	attrs := metric.WithAttributes(attribute.String("exchange", ev.Exchange))
	o.publishCount.Add(ctx, 1, attrs)
	if ev.Err != nil {
		o.publishErrors.Add(ctx, 1, attrs)
	}
}

func (o *OtelObserver) OnMatch(ctx context.Context, ev Event) {
	o.matched.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", ev.Queue)))
	o.callDuration.Record(ctx, ev.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("queue", ev.Queue),
		attribute.String("outcome", "matched"),
	))
}

func (o *OtelObserver) OnRequeue(ctx context.Context, ev Event) {
	o.requeued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", ev.Queue),
		attribute.Bool("redelivered", ev.Redelivered),
	))
}

func (o *OtelObserver) OnSkip(ctx context.Context, ev Event) {
	o.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", ev.Queue)))
}

func (o *OtelObserver) OnTimeout(ctx context.Context, ev Event) {
	o.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", ev.Queue)))
	o.callDuration.Record(ctx, ev.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("queue", ev.Queue),
		attribute.String("outcome", "timeout"),
	))
}

func (o *OtelObserver) OnBrokerError(ctx context.Context, ev Event) {
	reason := "unknown"
	if brokerErr, ok := ev.Err.(*BrokerError); ok {
		reason = brokerErr.Reason.String()
	}
	o.brokerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", ev.Queue),
		attribute.String("reason", reason),
	))
}

// headerCarrier adapts AMQP headers to a propagation.TextMapCarrier
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractTraceContext returns ctx carrying the trace context found in headers.
// Responders use it to continue the caller's trace.
func ExtractTraceContext(ctx context.Context, headers map[string]interface{}, propagator propagation.TextMapPropagator) context.Context {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return propagator.Extract(ctx, headerCarrier(headers))
}
