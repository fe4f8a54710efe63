package rpc

import (
	"context"
	"log/slog"

	"github.com/glimte/rabbitrpc/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Sender performs the synchronous call: publish a request, then wait for its reply
type Sender struct {
	publisher  *Publisher
	collector  *Collector
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

// SenderOption configures the sender
type SenderOption func(*Sender)

// WithTracerProvider sets the provider of the per-call producer span
func WithTracerProvider(tp trace.TracerProvider) SenderOption {
	return func(s *Sender) {
		s.tracer = tp.Tracer(instrumentationName)
	}
}

// WithPropagator sets how trace context is written into request headers
func WithPropagator(propagator propagation.TextMapPropagator) SenderOption {
	return func(s *Sender) {
		s.propagator = propagator
	}
}

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// NewSender combines a publisher with the collector of its reply queue. The
// collector may be nil for one-way use.
func NewSender(publisher *Publisher, collector *Collector, options ...SenderOption) *Sender {
	s := &Sender{
		publisher: publisher,
		collector: collector,
		tracer:    otel.GetTracerProvider().Tracer(instrumentationName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Send publishes msg to the endpoint described by cfg and returns the correlated
// reply. Without a reply-to the call is one-way and returns the sent message.
func (s *Sender) Send(ctx context.Context, msg *contracts.Message, payload any, cfg *EndpointConfig) (*contracts.Message, error) {
	ctx, span := s.tracer.Start(ctx, cfg.Destination()+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", cfg.Destination()),
		),
	)
	defer span.End()

	prepared, err := s.publisher.Prepare(msg, payload, cfg)
	if err != nil {
		return nil, s.fail(ctx, span, err, cfg, msg.CorrelationID)
	}

	span.SetAttributes(
		attribute.String("messaging.message.id", msg.MessageID),
		attribute.String("messaging.message.conversation_id", msg.CorrelationID),
		attribute.String("messaging.rabbitmq.destination.routing_key", prepared.RoutingKey),
	)
	s.propagator.Inject(ctx, headerCarrier(prepared.Publishing.Headers))

	if !msg.ExpectsReply() {
		if err := s.publisher.Deliver(ctx, prepared); err != nil {
			return nil, s.fail(ctx, span, err, cfg, msg.CorrelationID)
		}
		return msg, nil
	}

	if s.collector == nil {
		return nil, s.fail(ctx, span, ErrNoCollector, cfg, msg.CorrelationID)
	}
	if msg.ReplyTo != s.collector.Queue() {
		s.logger.Warn("reply-to differs from the collected reply queue",
			"replyTo", msg.ReplyTo,
			"queue", s.collector.Queue(),
			"correlationId", msg.CorrelationID)
	}

	pending, err := s.collector.register(msg.CorrelationID, msg.ReplyTo, cfg.ReplyContentType)
	if err != nil {
		return nil, s.fail(ctx, span, err, cfg, msg.CorrelationID)
	}

	if err := s.publisher.Deliver(ctx, prepared); err != nil {
		pending.Cancel()
		return nil, s.fail(ctx, span, err, cfg, msg.CorrelationID)
	}

	reply, err := pending.Wait(ctx, cfg.ReplyTimeout)
	if err != nil {
		return nil, s.fail(ctx, span, err, cfg, msg.CorrelationID)
	}

	span.SetStatus(codes.Ok, "")
	return reply, nil
}

// Decode parses a reply body into v with the codec for the reply's content type
func (s *Sender) Decode(reply *contracts.Message, v any) error {
	return s.publisher.Codecs().Parse(reply.Body, reply.ContentType, v)
}

func (s *Sender) fail(ctx context.Context, span trace.Span, err error, cfg *EndpointConfig, correlationID string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	s.logger.ErrorContext(ctx, "rpc call failed",
		"destination", cfg.Destination(),
		"exchange", cfg.ExchangeName,
		"routingKey", cfg.RoutingKey,
		"correlationId", correlationID,
		"error", err)
	return err
}
