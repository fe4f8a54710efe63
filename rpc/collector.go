package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"
)

var (
	// ErrCollectorClosed is the cause of the BrokerError outstanding waiters receive on Close
	ErrCollectorClosed = errors.New("rabbitrpc: collector closed")
	// ErrCollectorRunning is returned when Run is called twice
	ErrCollectorRunning = errors.New("rabbitrpc: collector already running")
	// ErrWaitWithdrawn is the cause of the BrokerError from Wait on a cancelled or finished Pending
	ErrWaitWithdrawn = errors.New("rabbitrpc: wait withdrawn")
)

// Consumer hands out deliveries from the reply queue one at a time
type Consumer interface {
	NextDelivery(ctx context.Context) (amqp.Delivery, error)
}

type replyResult struct {
	msg *contracts.Message
	err error
}

// Pending is one caller's outstanding wait for a correlated reply
type Pending struct {
	collector     *Collector
	correlationID string
	replyTo       string
	// replyContentType is the endpoint's fallback for replies without a content type
	replyContentType string
	registered       time.Time
	// buffered so whoever removes the entry from the registry can send without blocking
	result chan replyResult

	// guarded by collector.mu: claimed is set when the loop removed the entry and owes
	// a result, settled once a result has been handed to the caller
	claimed bool
	settled bool
}

// CorrelationID returns the correlation id the caller waits on
func (p *Pending) CorrelationID() string {
	return p.correlationID
}

// Wait blocks until the reply arrives, the timeout expires, or ctx is done.
// A non-positive timeout uses the collector default. An expired ctx deadline
// is reported as a TimeoutError; any other cancellation as a BrokerError.
// Waiting on a cancelled Pending, or again after a result, fails at once with
// a BrokerError wrapping ErrWaitWithdrawn. Wait is not safe for concurrent use.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	if p.withdrawn() {
		return nil, p.withdrawnError()
	}
	if timeout <= 0 {
		timeout = p.collector.defaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.result:
		p.settle()
		return r.msg, r.err

	case <-timer.C:
		return p.expire(ctx, &TimeoutError{
			CorrelationID: p.correlationID,
			ReplyTo:       p.replyTo,
			Timeout:       timeout,
		})

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return p.expire(ctx, &TimeoutError{
				CorrelationID: p.correlationID,
				ReplyTo:       p.replyTo,
				Timeout:       time.Since(p.registered),
			})
		}
		return p.expire(ctx, &BrokerError{
			Reason:        ReasonInterrupted,
			CorrelationID: p.correlationID,
			ReplyTo:       p.replyTo,
			Err:           ctx.Err(),
		})
	}
}

// expire gives up the wait with err unless the loop already claimed the entry,
// in which case the claimed result wins.
func (p *Pending) expire(ctx context.Context, err error) (*contracts.Message, error) {
	c := p.collector
	if !c.unregister(p) {
		if !p.isClaimed() {
			return nil, p.withdrawnError()
		}
		r := <-p.result
		p.settle()
		return r.msg, r.err
	}
	p.settle()

	ev := Event{
		CorrelationID: p.correlationID,
		Queue:         c.queue,
		Elapsed:       time.Since(p.registered),
		Err:           err,
	}
	if IsTimeout(err) {
		c.observer.OnTimeout(ctx, ev)
	} else {
		c.observer.OnBrokerError(ctx, ev)
	}
	return nil, err
}

// Cancel withdraws the wait without a result, e.g. after a failed publish
func (p *Pending) Cancel() {
	p.collector.unregister(p)
}

// withdrawn reports whether no result will ever arrive for p
func (p *Pending) withdrawn() bool {
	c := p.collector
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.settled {
		return true
	}
	return !p.claimed && c.pending[p.correlationID] != p
}

func (p *Pending) isClaimed() bool {
	p.collector.mu.Lock()
	defer p.collector.mu.Unlock()
	return p.claimed
}

func (p *Pending) settle() {
	p.collector.mu.Lock()
	p.settled = true
	p.collector.mu.Unlock()
}

func (p *Pending) withdrawnError() error {
	return &BrokerError{
		Reason:        ReasonInterrupted,
		CorrelationID: p.correlationID,
		ReplyTo:       p.replyTo,
		Err:           ErrWaitWithdrawn,
	}
}

// Collector owns the consumption loop over a shared reply queue and hands each
// correlated reply to the caller registered for it. Deliveries nobody waits for
// are requeued; deliveries without a correlation id are left alone.
type Collector struct {
	consumer         Consumer
	queue            string
	replyContentType string
	requeueDelay     time.Duration
	defaultTimeout   time.Duration
	observer         Observer
	logger           *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	err     *BrokerError
	running bool
	cancel  context.CancelCauseFunc
	done    chan struct{}
	wake    chan struct{}
}

// CollectorOption configures the collector
type CollectorOption func(*Collector)

// WithReplyContentType sets the content type assumed for replies that carry none
func WithReplyContentType(contentType string) CollectorOption {
	return func(c *Collector) {
		c.replyContentType = contentType
	}
}

// WithRequeueDelay delays the requeue of redelivered strays
func WithRequeueDelay(delay time.Duration) CollectorOption {
	return func(c *Collector) {
		c.requeueDelay = delay
	}
}

// WithDefaultTimeout sets the wait used when a caller passes no timeout
func WithDefaultTimeout(timeout time.Duration) CollectorOption {
	return func(c *Collector) {
		c.defaultTimeout = timeout
	}
}

// WithCollectorObserver sets the observer notified of match, requeue, skip, timeout and broker errors
func WithCollectorObserver(observer Observer) CollectorOption {
	return func(c *Collector) {
		c.observer = observer
	}
}

// WithCollectorLogger sets the logger
func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates a collector reading replies for queue from consumer
func NewCollector(consumer Consumer, queue string, options ...CollectorOption) *Collector {
	c := &Collector{
		consumer:       consumer,
		queue:          queue,
		requeueDelay:   20 * time.Millisecond,
		defaultTimeout: DefaultReplyTimeout,
		observer:       NopObserver{},
		logger:         slog.Default(),
		pending:        make(map[string]*Pending),
		done:           make(chan struct{}),
		wake:           make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Queue returns the reply queue name
func (c *Collector) Queue() string {
	return c.queue
}

// Start runs the consumption loop in the background until Close or ctx is done
func (c *Collector) Start(ctx context.Context) {
	go func() {
		if err := c.Run(ctx); err != nil && !errors.Is(err, ErrCollectorRunning) {
			c.logger.Debug("reply collector stopped", "queue", c.queue, "error", err)
		}
	}()
}

// Run consumes replies until the consumer fails, ctx is done, or Close is called.
// When it returns every outstanding waiter has received a BrokerError and later
// registrations fail with the same error.
func (c *Collector) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrCollectorRunning
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer close(c.done)
	defer cancel(nil)

	c.logger.Info("reply collector started", "queue", c.queue)

	for {
		if !c.awaitWaiters(ctx) {
			return c.terminate(ctx, c.interrupted(ctx))
		}

		d, err := c.consumer.NextDelivery(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.terminate(ctx, c.interrupted(ctx))
			}
			return c.terminate(ctx, c.classify(err))
		}

		c.dispatch(ctx, d)
	}
}

// awaitWaiters blocks while nobody is registered so idle clients do not cycle strays
func (c *Collector) awaitWaiters(ctx context.Context) bool {
	for {
		if c.Outstanding() > 0 {
			return true
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Collector) dispatch(ctx context.Context, d amqp.Delivery) {
	ev := Event{
		CorrelationID: d.CorrelationId,
		Queue:         c.queue,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
	}

	if d.CorrelationId == "" {
		c.observer.OnSkip(ctx, ev)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[d.CorrelationId]
	if ok {
		delete(c.pending, d.CorrelationId)
		p.claimed = true
	}
	c.mu.Unlock()

	if !ok {
		c.requeue(ctx, d, ev)
		return
	}

	ev.Elapsed = time.Since(p.registered)

	if err := d.Ack(false); err != nil {
		brokerErr := &BrokerError{
			Reason:        ReasonAcknowledge,
			CorrelationID: p.correlationID,
			ReplyTo:       p.replyTo,
			Err:           err,
		}
		p.result <- replyResult{err: brokerErr}
		ev.Err = brokerErr
		c.observer.OnBrokerError(ctx, ev)
		return
	}

	fallback := lo.CoalesceOrEmpty(p.replyContentType, c.replyContentType)
	p.result <- replyResult{msg: replyFromDelivery(d, fallback, c.logger)}
	c.observer.OnMatch(ctx, ev)
}

func (c *Collector) requeue(ctx context.Context, d amqp.Delivery, ev Event) {
	if d.Redelivered && c.requeueDelay > 0 {
		timer := time.NewTimer(c.requeueDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if err := d.Nack(false, true); err != nil {
		// the broker requeues unacked deliveries when the channel closes
		c.logger.Error("failed to requeue reply",
			"queue", c.queue,
			"correlationId", d.CorrelationId,
			"deliveryTag", d.DeliveryTag,
			"error", err)
		ev.Err = err
	}
	c.observer.OnRequeue(ctx, ev)
}

func (c *Collector) interrupted(ctx context.Context) *BrokerError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return &BrokerError{Reason: ReasonInterrupted, ReplyTo: c.queue, Err: cause}
}

func (c *Collector) classify(err error) *BrokerError {
	reason := ReasonShutdown
	switch {
	case rabbitmq.IsCancelled(err):
		reason = ReasonConsumerCancelled
	case rabbitmq.IsShutdown(err):
		reason = ReasonShutdown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = ReasonInterrupted
	}
	return &BrokerError{Reason: reason, ReplyTo: c.queue, Err: err}
}

// terminate fails every outstanding waiter with cause and makes it sticky
func (c *Collector) terminate(ctx context.Context, cause *BrokerError) error {
	c.mu.Lock()
	if c.err == nil {
		c.err = cause
	}
	cause = c.err
	waiters := c.pending
	c.pending = make(map[string]*Pending)
	for _, p := range waiters {
		p.claimed = true
	}
	c.mu.Unlock()

	if len(waiters) > 0 {
		c.logger.Error("reply collector stopped with outstanding requests",
			"queue", c.queue,
			"outstanding", len(waiters),
			"reason", cause.Reason.String(),
			"error", cause.Err)
	} else {
		c.logger.Info("reply collector stopped", "queue", c.queue, "reason", cause.Reason.String())
	}

	for id, p := range waiters {
		err := cause.withCorrelation(id)
		p.result <- replyResult{err: err}
		c.observer.OnBrokerError(ctx, Event{
			CorrelationID: id,
			Queue:         c.queue,
			Elapsed:       time.Since(p.registered),
			Err:           err,
		})
	}
	return cause
}

// Register records a waiter for correlationID. Call it before publishing the
// request so an early reply is not requeued.
func (c *Collector) Register(correlationID string) (*Pending, error) {
	return c.register(correlationID, c.queue, "")
}

// register records a waiter; replyContentType overrides the collector's fallback
// content type for this call's reply
func (c *Collector) register(correlationID, replyTo, replyContentType string) (*Pending, error) {
	if correlationID == "" {
		return nil, &ConfigurationError{
			Property: PropCorrelationID,
			Err:      errors.New("a reply can only be awaited for a non-empty correlation id"),
		}
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err.withCorrelation(correlationID)
		c.mu.Unlock()
		return nil, err
	}
	if _, exists := c.pending[correlationID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, correlationID)
	}

	p := &Pending{
		collector:        c,
		correlationID:    correlationID,
		replyTo:          replyTo,
		replyContentType: replyContentType,
		registered:       time.Now(),
		result:           make(chan replyResult, 1),
	}
	c.pending[correlationID] = p
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p, nil
}

// AwaitReply registers correlationID and waits for its reply. Prefer Register
// followed by Pending.Wait when the request has not been published yet.
func (c *Collector) AwaitReply(ctx context.Context, correlationID, replyTo string, timeout time.Duration) (*contracts.Message, error) {
	if replyTo == "" {
		replyTo = c.queue
	}
	p, err := c.register(correlationID, replyTo, "")
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx, timeout)
}

// unregister removes p if it is still outstanding and reports whether it did
func (c *Collector) unregister(p *Pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.pending[p.correlationID]; ok && current == p {
		delete(c.pending, p.correlationID)
		return true
	}
	return false
}

// Outstanding returns the number of registered waiters
func (c *Collector) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Err returns the error the loop stopped with, if it has stopped
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

// Running reports whether the loop is consuming
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.err == nil
}

// Close stops the loop and waits for it to exit. Outstanding waiters receive a
// BrokerError with ReasonInterrupted. The consumer and its channel are left open.
func (c *Collector) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	running := c.running
	if !running && c.err == nil {
		c.err = &BrokerError{Reason: ReasonInterrupted, ReplyTo: c.queue, Err: ErrCollectorClosed}
	}
	cause := c.err
	c.mu.Unlock()

	if !running {
		c.terminate(context.Background(), cause)
		return nil
	}

	cancel(ErrCollectorClosed)
	<-c.done
	return nil
}
