package rpc

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byName := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func counterTotal(t *testing.T, metrics map[string]metricdata.Metrics, name string) int64 {
	t.Helper()

	m, ok := metrics[name]
	require.True(t, ok, "metric %s not recorded", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOtelObserver(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	observer, err := NewOtelObserver(mp)
	require.NoError(t, err)

	ctx := context.Background()
	observer.OnPublish(ctx, Event{Exchange: "shop"})
	observer.OnPublish(ctx, Event{Exchange: "shop", Err: errors.New("boom")})
	observer.OnMatch(ctx, Event{Queue: "replies", Elapsed: 15 * time.Millisecond})
	observer.OnRequeue(ctx, Event{Queue: "replies", Redelivered: true})
	observer.OnSkip(ctx, Event{Queue: "replies"})
	observer.OnTimeout(ctx, Event{Queue: "replies", Elapsed: time.Second})
	observer.OnBrokerError(ctx, Event{Queue: "replies", Err: &BrokerError{Reason: ReasonShutdown}})

	metrics := collectMetrics(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, metrics, "rabbitrpc.publish.count"))
	assert.Equal(t, int64(1), counterTotal(t, metrics, "rabbitrpc.publish.errors"))
	assert.Equal(t, int64(1), counterTotal(t, metrics, "rabbitrpc.reply.matched"))
	assert.Equal(t, int64(1), counterTotal(t, metrics, "rabbitrpc.reply.requeued"))
	assert.Equal(t, int64(1), counterTotal(t, metrics, "rabbitrpc.reply.skipped"))
	assert.Equal(t, int64(1), counterTotal(t, metrics, "rabbitrpc.reply.timeouts"))
	assert.Equal(t, int64(1), counterTotal(t, metrics, "rabbitrpc.broker.errors"))

	hist, ok := metrics["rabbitrpc.call.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestMultiObserver(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	multi := MultiObserver{a, b, NewLogObserver(nil)}

	ctx := context.Background()
	multi.OnPublish(ctx, Event{})
	multi.OnMatch(ctx, Event{})
	multi.OnRequeue(ctx, Event{})
	multi.OnSkip(ctx, Event{})
	multi.OnTimeout(ctx, Event{})
	multi.OnBrokerError(ctx, Event{Err: errors.New("boom")})

	for _, o := range []*recordingObserver{a, b} {
		publish, matches, requeues, skips, timeouts, brokers := o.counts()
		assert.Equal(t, []int{1, 1, 1, 1, 1, 1}, []int{publish, matches, requeues, skips, timeouts, brokers})
	}
}

func TestHeaderCarrier(t *testing.T) {
	carrier := headerCarrier{"tenant": "acme", "retries": int32(2)}
	carrier.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "", carrier.Get("retries"))
	assert.Equal(t, "", carrier.Get("missing"))

	keys := carrier.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"retries", "tenant", "traceparent"}, keys)
}
