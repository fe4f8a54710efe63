package rabbitrpc

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/health"
	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	"github.com/glimte/rabbitrpc/rpc"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type nopAcker struct{}

func (nopAcker) Ack(uint64, bool) error        { return nil }
func (nopAcker) Nack(uint64, bool, bool) error { return nil }
func (nopAcker) Reject(uint64, bool) error     { return nil }

// wireChannel records publishings and lets a test play the remote service
type wireChannel struct {
	mu        sync.Mutex
	closed    bool
	sent      []amqp.Publishing
	keys      []string
	onPublish func(n int, msg amqp.Publishing)
}

func (c *wireChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wireChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.keys = append(c.keys, key)
	n := len(c.sent)
	fn := c.onPublish
	c.mu.Unlock()

	if fn != nil {
		fn(n, msg)
	}
	return nil
}

func (c *wireChannel) published() []amqp.Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]amqp.Publishing(nil), c.sent...)
}

type queueConsumer struct {
	deliveries chan amqp.Delivery
}

func newQueueConsumer() *queueConsumer {
	return &queueConsumer{deliveries: make(chan amqp.Delivery, 16)}
}

func (q *queueConsumer) NextDelivery(ctx context.Context) (amqp.Delivery, error) {
	select {
	case d := <-q.deliveries:
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// echo answers a request with its own body and content type
func (q *queueConsumer) echo(msg amqp.Publishing) {
	q.deliveries <- amqp.Delivery{
		Acknowledger:  nopAcker{},
		DeliveryTag:   1,
		CorrelationId: msg.CorrelationId,
		ContentType:   msg.ContentType,
		Body:          msg.Body,
	}
}

func newTestClient(t *testing.T, ch *wireChannel, consumer *queueConsumer, options ...ClientOption) *Client {
	t.Helper()

	cfg := defaultClientConfig()
	cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range options {
		opt(cfg)
	}

	c, err := assemble(ch, consumer, "replies", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	t.Run("round trip through the reply queue", func(t *testing.T) {
		consumer := newQueueConsumer()
		ch := &wireChannel{onPublish: func(_ int, msg amqp.Publishing) { consumer.echo(msg) }}
		client := newTestClient(t, ch, consumer)

		msg := contracts.NewMessage("application/json", nil)
		reply, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=1000", msg, map[string]int{"qty": 3})
		require.NoError(t, err)

		sent := ch.published()
		require.Len(t, sent, 1)
		assert.Equal(t, "quotes", ch.keys[0])
		assert.Equal(t, "replies", sent[0].ReplyTo)
		assert.Equal(t, msg.CorrelationID, sent[0].CorrelationId)
		assert.Equal(t, msg.CorrelationID, reply.CorrelationID)
		assert.Equal(t, "replies", msg.ReplyTo)

		var got map[string]int
		require.NoError(t, client.Decode(reply, &got))
		assert.Equal(t, map[string]int{"qty": 3}, got)
		assert.Equal(t, 0, client.Collector().Outstanding())
	})

	t.Run("endpoint reply content type fills an untyped reply", func(t *testing.T) {
		consumer := newQueueConsumer()
		ch := &wireChannel{onPublish: func(_ int, msg amqp.Publishing) {
			consumer.deliveries <- amqp.Delivery{
				Acknowledger:  nopAcker{},
				DeliveryTag:   1,
				CorrelationId: msg.CorrelationId,
				Body:          []byte(`{"qty":3}`),
			}
		}}
		client := newTestClient(t, ch, consumer)

		msg := contracts.NewMessage("text/plain", nil)
		reply, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=1000&rabbitmq.replyto.content.type=application/json", msg, "quote")
		require.NoError(t, err)
		assert.Equal(t, "application/json", reply.ContentType)

		var got map[string]int
		require.NoError(t, client.Decode(reply, &got))
		assert.Equal(t, map[string]int{"qty": 3}, got)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		client := newTestClient(t, &wireChannel{}, newQueueConsumer())

		_, err := client.Call(context.Background(), "amqp://quotes", contracts.NewMessage("text/plain", nil), nil)
		assert.ErrorIs(t, err, rpc.ErrConfiguration)

		_, err = client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=soon", contracts.NewMessage("text/plain", nil), nil)
		assert.ErrorIs(t, err, rpc.ErrConfiguration)
	})

	t.Run("timeout without retry", func(t *testing.T) {
		ch := &wireChannel{}
		client := newTestClient(t, ch, newQueueConsumer())

		_, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=30", contracts.NewMessage("text/plain", nil), "ping")
		require.Error(t, err)
		assert.True(t, rpc.IsTimeout(err))
		assert.Len(t, ch.published(), 1)
	})

	t.Run("client default timeout applies when the endpoint sets none", func(t *testing.T) {
		client := newTestClient(t, &wireChannel{}, newQueueConsumer(), WithDefaultTimeout(20*time.Millisecond))

		start := time.Now()
		_, err := client.Call(context.Background(), "rabbitmq:quotes", contracts.NewMessage("text/plain", nil), "ping")
		assert.True(t, rpc.IsTimeout(err))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("timed out call is retried with a fresh correlation id", func(t *testing.T) {
		consumer := newQueueConsumer()
		ch := &wireChannel{onPublish: func(n int, msg amqp.Publishing) {
			if n == 2 {
				consumer.echo(msg)
			}
		}}
		client := newTestClient(t, ch, consumer, WithFixedRetry(time.Millisecond, 2))

		msg := contracts.NewMessage("text/plain", nil)
		reply, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=50", msg, "ping")
		require.NoError(t, err)

		sent := ch.published()
		require.Len(t, sent, 2)
		assert.NotEqual(t, sent[0].CorrelationId, sent[1].CorrelationId)
		assert.Equal(t, sent[1].CorrelationId, reply.CorrelationID)
		assert.Equal(t, sent[1].CorrelationId, msg.CorrelationID)
		assert.Equal(t, []byte("ping"), reply.Body)
	})

	t.Run("broker failures open the circuit", func(t *testing.T) {
		ch := &wireChannel{closed: true}
		client := newTestClient(t, ch, newQueueConsumer(), WithCircuitBreaker(2, time.Minute))

		for i := 0; i < 2; i++ {
			_, err := client.Call(context.Background(), "rabbitmq:quotes", contracts.NewMessage("text/plain", nil), "ping")
			assert.ErrorIs(t, err, rpc.ErrPublish)
			assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)
		}

		_, err := client.Call(context.Background(), "rabbitmq:quotes", contracts.NewMessage("text/plain", nil), "ping")
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.NotErrorIs(t, err, rpc.ErrPublish)
	})

	t.Run("timeouts leave the circuit closed", func(t *testing.T) {
		ch := &wireChannel{}
		client := newTestClient(t, ch, newQueueConsumer(), WithCircuitBreaker(1, time.Minute))

		for i := 0; i < 2; i++ {
			_, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=10", contracts.NewMessage("text/plain", nil), "ping")
			assert.True(t, rpc.IsTimeout(err))
		}
		assert.Len(t, ch.published(), 2)
	})
}

func TestClientPublish(t *testing.T) {
	ch := &wireChannel{}
	client := newTestClient(t, ch, newQueueConsumer())

	msg := contracts.NewMessage("text/plain", nil)
	msg.ReplyTo = "ignored"
	err := client.Publish(context.Background(), "rabbitmq:audit?rabbitmq.exchange.name=events&rabbitmq.queue.routing.key=audit.login", msg, "user 7 logged in")
	require.NoError(t, err)

	sent := ch.published()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].ReplyTo)
	assert.Equal(t, "audit.login", ch.keys[0])
	assert.Equal(t, []byte("user 7 logged in"), sent[0].Body)
	assert.Equal(t, 0, client.Collector().Outstanding())
}

func TestClientPublishAnswersWithCallerCorrelationID(t *testing.T) {
	ch := &wireChannel{}
	client := newTestClient(t, ch, newQueueConsumer())

	msg := contracts.NewMessage("text/plain", nil)
	msg.CorrelationID = "X-7"
	require.NoError(t, client.Publish(context.Background(), "rabbitmq:requester-replies", msg, nil))

	sent := ch.published()
	require.Len(t, sent, 1)
	assert.Equal(t, "X-7", sent[0].CorrelationId)
	assert.Equal(t, "X-7", msg.CorrelationID)
}

func TestClientCallAll(t *testing.T) {
	consumer := newQueueConsumer()
	ch := &wireChannel{onPublish: func(_ int, msg amqp.Publishing) { consumer.echo(msg) }}
	client := newTestClient(t, ch, consumer)

	payloads := []string{"a", "b", "c"}
	requests := make([]Request, len(payloads))
	for i, p := range payloads {
		requests[i] = Request{
			Endpoint: "rabbitmq:letters?rabbitmq.replyto.timeout=1000",
			Message:  contracts.NewMessage("text/plain", nil),
			Payload:  p,
		}
	}

	replies, err := client.CallAll(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, replies, len(payloads))

	for i, reply := range replies {
		var got string
		require.NoError(t, client.Decode(reply, &got))
		assert.Equal(t, payloads[i], got)
		assert.Equal(t, requests[i].Message.CorrelationID, reply.CorrelationID)
	}
}

func TestClientClose(t *testing.T) {
	ch := &wireChannel{}
	client := newTestClient(t, ch, newQueueConsumer())

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=5000", contracts.NewMessage("text/plain", nil), "ping")
		errs <- err
	}()

	require.Eventually(t, func() bool { return client.Collector().Outstanding() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, rpc.ErrBroker)
		assert.False(t, rpc.IsTimeout(err))
	case <-time.After(time.Second):
		t.Fatal("call still waiting after close")
	}

	assert.NoError(t, client.Close())
}

func TestClientHealth(t *testing.T) {
	client := newTestClient(t, &wireChannel{}, newQueueConsumer())
	require.Eventually(t, client.Collector().Running, time.Second, 5*time.Millisecond)

	report := client.Health(time.Second).Check(context.Background())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, health.StatusHealthy, report.Status)

	require.NoError(t, client.Close())
	report = client.Health(time.Second).Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, report.Status)
}

func TestClientMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	consumer := newQueueConsumer()
	ch := &wireChannel{onPublish: func(_ int, msg amqp.Publishing) { consumer.echo(msg) }}
	client := newTestClient(t, ch, consumer, WithMeterProvider(mp))

	_, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=1000", contracts.NewMessage("text/plain", nil), "ping")
	require.NoError(t, err)

	collect := func() map[string]int64 {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			return nil
		}

		counts := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						counts[m.Name] += dp.Value
					}
				}
			}
		}
		return counts
	}

	require.Eventually(t, func() bool { return collect()["rabbitrpc.reply.matched"] == 1 }, time.Second, 5*time.Millisecond)
	counts := collect()
	assert.Equal(t, int64(1), counts["rabbitrpc.publish.count"])
	assert.Equal(t, int64(1), counts["rabbitrpc.reply.matched"])
}

func TestClientOptionsObserver(t *testing.T) {
	var events []string
	var mu sync.Mutex
	observer := &funcObserver{onMatch: func(e rpc.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.CorrelationID)
	}}

	consumer := newQueueConsumer()
	ch := &wireChannel{onPublish: func(_ int, msg amqp.Publishing) { consumer.echo(msg) }}
	client := newTestClient(t, ch, consumer, WithObserver(observer))

	msg := contracts.NewMessage("text/plain", nil)
	_, err := client.Call(context.Background(), "rabbitmq:quotes?rabbitmq.replyto.timeout=1000", msg, "ping")
	require.NoError(t, err)

	// OnMatch runs after the waiter has its reply
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{msg.CorrelationID}, events)
}

type funcObserver struct {
	rpc.NopObserver
	onMatch func(rpc.Event)
}

func (o *funcObserver) OnMatch(_ context.Context, e rpc.Event) { o.onMatch(e) }
