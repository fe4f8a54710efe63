// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/health"
	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/rpc"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrCircuitOpen is returned while the client refuses calls after repeated broker failures
var ErrCircuitOpen = reliability.ErrCircuitOpen

// Client provides the main entry point for rabbitrpc
type Client struct {
	conn       *rabbitmq.ConnectionManager
	collector  *rpc.Collector
	sender     *rpc.Sender
	replyQueue string
	timeout    time.Duration
	retry      reliability.RetryPolicy
	breaker    *reliability.CircuitBreaker
	logger     *slog.Logger

	// closers run in order on Close, after the collector stops
	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Request is one call of a CallAll batch
type Request struct {
	Endpoint string
	Message  *contracts.Message
	Payload  any
}

// NewClient connects to the broker at url, starts consuming the reply queue and
// returns a client ready for calls
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()

	conn := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithConnectTimeout(cfg.connectTimeout),
		rabbitmq.WithConnectionName(cfg.connectionName),
	)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	decl := rabbitmq.TemporaryReplyQueue()
	if cfg.replyQueue != "" {
		decl = rabbitmq.ExistingReplyQueue(cfg.replyQueue)
	}
	queue, err := rabbitmq.DeclareReplyQueue(ch, decl)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to resolve reply queue: %w", err)
	}

	consumer := rabbitmq.NewReplyConsumer(ch, queue.Name,
		rabbitmq.WithPrefetchCount(cfg.prefetch),
		rabbitmq.WithExclusive(decl.Exclusive),
		rabbitmq.WithConsumerLogger(cfg.logger),
	)
	if err := consumer.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}

	c, err := assemble(ch, consumer, queue.Name, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	c.closers = []func() error{consumer.Cancel, ch.Close, conn.Close}

	cfg.logger.Info("rpc client ready",
		"url", conn.URL(),
		"replyQueue", queue.Name,
		"prefetch", cfg.prefetch)
	return c, nil
}

// assemble builds the client around an open channel and a started consumer
func assemble(ch rpc.Channel, consumer rpc.Consumer, replyQueue string, cfg *clientConfig) (*Client, error) {
	observers := rpc.MultiObserver{rpc.NewLogObserver(cfg.logger)}
	if cfg.meterProvider != nil {
		otelObserver, err := rpc.NewOtelObserver(cfg.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		observers = append(observers, otelObserver)
	}
	observers = append(observers, cfg.observers...)

	collector := rpc.NewCollector(consumer, replyQueue,
		rpc.WithRequeueDelay(cfg.requeueDelay),
		rpc.WithDefaultTimeout(cfg.defaultTimeout),
		rpc.WithCollectorObserver(observers),
		rpc.WithCollectorLogger(cfg.logger),
	)

	publisher := rpc.NewPublisher(ch,
		rpc.WithCodecs(cfg.codecs),
		rpc.WithPublisherObserver(observers),
		rpc.WithPublisherLogger(cfg.logger),
	)

	senderOpts := []rpc.SenderOption{rpc.WithSenderLogger(cfg.logger)}
	if cfg.tracerProvider != nil {
		senderOpts = append(senderOpts, rpc.WithTracerProvider(cfg.tracerProvider))
	}

	c := &Client{
		collector:  collector,
		sender:     rpc.NewSender(publisher, collector, senderOpts...),
		replyQueue: replyQueue,
		timeout:    cfg.defaultTimeout,
		retry:      cfg.retry,
		breaker:    cfg.breaker,
		logger:     cfg.logger,
	}

	collector.Start(context.Background())
	return c, nil
}

// Call sends msg to endpoint, a "rabbitmq:/<queue>?<properties>" address, and
// waits for the reply. Replies go to the client's reply queue unless the
// endpoint names another with rabbitmq.replyto.name.
func (c *Client) Call(ctx context.Context, endpoint string, msg *contracts.Message, payload any) (*contracts.Message, error) {
	props, err := rpc.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return c.CallWithProperties(ctx, props, msg, payload)
}

// CallWithProperties is Call with an already parsed property table
func (c *Client) CallWithProperties(ctx context.Context, props rpc.Properties, msg *contracts.Message, payload any) (*contracts.Message, error) {
	cfg, err := rpc.NewEndpointConfig(props)
	if err != nil {
		return nil, err
	}
	cfg.ReplyTo = lo.CoalesceOrEmpty(cfg.ReplyTo, msg.ReplyTo, c.replyQueue)
	if props.Get(rpc.PropReplyTimeout) == "" {
		cfg.ReplyTimeout = c.timeout
	}
	return c.send(ctx, msg, payload, cfg)
}

// Publish sends msg to endpoint without waiting for a reply
func (c *Client) Publish(ctx context.Context, endpoint string, msg *contracts.Message, payload any) error {
	props, err := rpc.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	return c.PublishWithProperties(ctx, props, msg, payload)
}

// PublishWithProperties is Publish with an already parsed property table. Any
// reply destination in props or msg is dropped.
func (c *Client) PublishWithProperties(ctx context.Context, props rpc.Properties, msg *contracts.Message, payload any) error {
	cfg, err := rpc.NewEndpointConfig(props)
	if err != nil {
		return err
	}
	cfg.ReplyTo = ""
	msg.ReplyTo = ""

	_, err = c.send(ctx, msg, payload, cfg)
	return err
}

// send applies the circuit breaker and retry policy around one round trip. Every
// attempt publishes a copy of msg so it gets a fresh correlation id.
func (c *Client) send(ctx context.Context, msg *contracts.Message, payload any, cfg *rpc.EndpointConfig) (*contracts.Message, error) {
	var reply *contracts.Message
	var sent *contracts.Message

	err := reliability.Retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		attemptMsg := msg.Clone()
		call := func(ctx context.Context) error {
			r, err := c.sender.Send(ctx, attemptMsg, payload, cfg)
			if err != nil {
				return err
			}
			reply = r
			return nil
		}

		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(ctx, call)
		} else {
			err = call(ctx)
		}
		if attempt > 0 {
			c.logger.Warn("retried rpc call",
				"destination", cfg.Destination(),
				"attempt", attempt+1,
				"correlationId", attemptMsg.CorrelationID,
				"error", err)
		}
		sent = attemptMsg
		return err
	})
	if sent != nil {
		msg.MessageID = sent.MessageID
		msg.CorrelationID = sent.CorrelationID
		msg.ReplyTo = sent.ReplyTo
		msg.Body = sent.Body
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// CallAll runs the requests concurrently and returns the replies in request order.
// The first failure cancels the calls still waiting.
func (c *Client) CallAll(ctx context.Context, requests []Request) ([]*contracts.Message, error) {
	replies := make([]*contracts.Message, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			reply, err := c.Call(gctx, req.Endpoint, req.Message, req.Payload)
			if err != nil {
				return fmt.Errorf("request %d to %s: %w", i, req.Endpoint, err)
			}
			replies[i] = reply
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return replies, err
	}
	return replies, nil
}

// Decode parses a reply body into v using the codec for its content type
func (c *Client) Decode(reply *contracts.Message, v any) error {
	return c.sender.Decode(reply, v)
}

// ReplyQueue returns the name of the queue replies are consumed from
func (c *Client) ReplyQueue() string {
	return c.replyQueue
}

// Collector returns the reply collector
func (c *Client) Collector() *rpc.Collector {
	return c.collector
}

// Health returns a registry checking the connection, the collector and the reply queue
func (c *Client) Health(timeout time.Duration) *health.Registry {
	registry := health.NewRegistry(timeout, health.NewCollectorChecker(c.collector, 0))
	if c.conn != nil {
		registry.Register(health.NewConnectionChecker(c.conn))
		registry.Register(health.NewReplyQueueChecker(c.replyQueue, c.inspectChannel, 1000))
	}
	return registry
}

// inspectChannel opens a channel apart from the one replies are consumed on
func (c *Client) inspectChannel() (health.InspectChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close stops the collector, cancels the reply consumer and closes the channel and
// connection. Calls still waiting fail with a BrokerError.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.collector.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, closer := range c.closers {
			if err := closer(); err != nil && !errors.Is(err, amqp.ErrClosed) && !rabbitmq.IsShutdown(err) {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("rpc client closed", "replyQueue", c.replyQueue)
	})
	return c.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	connectionName string
	connectTimeout time.Duration
	replyQueue     string
	prefetch       int
	requeueDelay   time.Duration
	defaultTimeout time.Duration
	retry          reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker
	codecs         *rpc.CodecRegistry
	observers      []rpc.Observer
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		logger:         slog.Default(),
		connectionName: "rabbitrpc",
		connectTimeout: 30 * time.Second,
		prefetch:       10,
		requeueDelay:   20 * time.Millisecond,
		defaultTimeout: rpc.DefaultReplyTimeout,
		retry:          reliability.NoRetry{},
		codecs:         rpc.NewCodecRegistry(),
	}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithConnectTimeout bounds connecting and opening the reply queue
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithReplyQueue consumes replies from a pre-provisioned queue instead of a
// temporary server-named one
func WithReplyQueue(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyQueue = name
	}
}

// WithPrefetch sets how many unacked replies the broker pushes ahead
func WithPrefetch(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = count
	}
}

// WithRequeueDelay delays the requeue of redelivered replies nobody waits for
func WithRequeueDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requeueDelay = delay
	}
}

// WithDefaultTimeout sets the reply timeout for calls whose endpoint sets none
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultTimeout = timeout
	}
}

// WithRetry retries timed-out calls up to maxRetries times with exponential backoff
func WithRetry(maxRetries int, initial, max time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
	}
}

// WithFixedRetry retries timed-out calls up to maxRetries times after a fixed delay
func WithFixedRetry(delay time.Duration, maxRetries int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = reliability.NewFixedDelay(delay, maxRetries)
	}
}

// WithCircuitBreaker rejects calls for openFor after threshold consecutive
// publish or broker failures. Timeouts do not count.
func WithCircuitBreaker(threshold int, openFor time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("rabbitrpc"),
			reliability.WithFailureThreshold(threshold),
			reliability.WithOpenTimeout(openFor),
			reliability.WithFailurePredicate(func(err error) bool {
				return errors.Is(err, rpc.ErrPublish) || errors.Is(err, rpc.ErrBroker)
			}),
			reliability.WithStateChangeHook(func(from, to reliability.State) {
				cfg.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			}),
		)
	}
}

// WithCodecs replaces the codec registry used for payloads and replies
func WithCodecs(codecs *rpc.CodecRegistry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codecs = codecs
	}
}

// WithObserver adds an observer of publish and reply events
func WithObserver(observer rpc.Observer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observers = append(cfg.observers, observer)
	}
}

// WithMeterProvider records call metrics with OpenTelemetry
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = mp
	}
}

// WithTracerProvider creates a producer span per call and propagates it in request headers
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = tp
	}
}
