package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher needs
type Channel interface {
	IsClosed() bool
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Prepared is a request ready to go on the wire
type Prepared struct {
	Message    *contracts.Message
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// Publisher builds correlated requests and publishes them. It never retries.
type Publisher struct {
	channel  Channel
	codecs   *CodecRegistry
	nonces   NonceSource
	observer Observer
	logger   *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithCodecs sets the codec registry used to format payloads
func WithCodecs(codecs *CodecRegistry) PublisherOption {
	return func(p *Publisher) {
		p.codecs = codecs
	}
}

// WithNonceSource sets the per-call correlation token source
func WithNonceSource(nonces NonceSource) PublisherOption {
	return func(p *Publisher) {
		p.nonces = nonces
	}
}

// WithPublisherObserver sets the observer notified of publish attempts
func WithPublisherObserver(observer Observer) PublisherOption {
	return func(p *Publisher) {
		p.observer = observer
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on ch
func NewPublisher(ch Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channel:  ch,
		codecs:   NewCodecRegistry(),
		nonces:   NewCounterNonce(),
		observer: NopObserver{},
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Codecs returns the registry used to format payloads
func (p *Publisher) Codecs() *CodecRegistry {
	return p.codecs
}

// Publish resolves correlation and routing for msg, formats payload into its body
// and publishes it. A nil payload sends msg.Body as is. On return msg carries the
// resolved correlation id and reply-to.
func (p *Publisher) Publish(ctx context.Context, msg *contracts.Message, payload any, cfg *EndpointConfig) (*contracts.Message, error) {
	prepared, err := p.Prepare(msg, payload, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Deliver(ctx, prepared); err != nil {
		return nil, err
	}
	return prepared.Message, nil
}

// Prepare performs every publish step short of writing to the channel
func (p *Publisher) Prepare(msg *contracts.Message, payload any, cfg *EndpointConfig) (*Prepared, error) {
	if p.channel == nil || p.channel.IsClosed() {
		return nil, &PublishError{
			Exchange:      cfg.ExchangeName,
			RoutingKey:    cfg.RoutingKey,
			CorrelationID: msg.CorrelationID,
			Err:           rabbitmq.ErrChannelClosed,
			Timestamp:     time.Now(),
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.ContentType == "" {
		msg.ContentType = contracts.DefaultContentType
	}
	if cfg.ReplyTo != "" {
		msg.ReplyTo = cfg.ReplyTo
	}

	// a one-way message keeps a correlation id the caller set, e.g. to answer a request
	seed := cfg.CorrelationID
	if msg.ReplyTo != "" && seed == "" {
		seed = msg.MessageID
	}
	if seed != "" {
		msg.CorrelationID = seed + "-" + p.nonces.Next()
	}

	routingKey := p.resolveRoutingKey(cfg)

	if payload != nil {
		body, err := p.codecs.Format(payload, msg.ContentType)
		if err != nil {
			return nil, err
		}
		msg.Body = body
	}

	return &Prepared{
		Message:    msg,
		Exchange:   cfg.ExchangeName,
		RoutingKey: routingKey,
		Publishing: buildPublishing(msg, cfg.DeliveryMode),
	}, nil
}

func (p *Publisher) resolveRoutingKey(cfg *EndpointConfig) string {
	if cfg.IsConsistentHash() {
		// only the hash distribution of the key matters
		return uuid.New().String()
	}

	if cfg.RoutingKey != "" {
		return cfg.RoutingKey
	}

	if cfg.QueueName == "" {
		p.logger.Info("routing key and queue name not specified, publishing with empty routing key",
			"exchange", cfg.ExchangeName)
		return ""
	}

	p.logger.Debug("routing key not specified, using queue name as routing key",
		"queue", cfg.QueueName)
	return cfg.QueueName
}

// Deliver writes a prepared request to the channel
func (p *Publisher) Deliver(ctx context.Context, prepared *Prepared) error {
	err := p.channel.PublishWithContext(ctx,
		prepared.Exchange,
		prepared.RoutingKey,
		false, // mandatory
		false, // immediate
		prepared.Publishing,
	)

	ev := Event{
		CorrelationID: prepared.Message.CorrelationID,
		Exchange:      prepared.Exchange,
		RoutingKey:    prepared.RoutingKey,
	}

	if err != nil {
		pubErr := &PublishError{
			Exchange:      prepared.Exchange,
			RoutingKey:    prepared.RoutingKey,
			CorrelationID: prepared.Message.CorrelationID,
			Err:           err,
			Timestamp:     time.Now(),
		}
		ev.Err = pubErr
		p.observer.OnPublish(ctx, ev)
		return pubErr
	}

	p.observer.OnPublish(ctx, ev)
	return nil
}
