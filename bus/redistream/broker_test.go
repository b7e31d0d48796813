package redistream_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/bus/redistream"
	"github.com/tautly/eventgrid/event"
)

func newBroker(t *testing.T) (*redistream.Broker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	b := redistream.NewWithClient(client, redistream.Config{
		Block:   50 * time.Millisecond,
		MinIdle: time.Millisecond,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func mustRecord(t *testing.T, eventType string) *event.Record {
	t.Helper()
	rec, err := event.NewRecord(eventType, map[string]any{"k": "v"})
	require.NoError(t, err)
	return rec
}

func TestPublish_AppendsToStream(t *testing.T) {
	b, srv := newBroker(t)

	res, err := b.Publish(context.Background(), "users", mustRecord(t, "user.account.created"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Offset, "offset is the opaque stream entry id")
	assert.True(t, srv.Exists("users"))
}

func TestConsume_DeliversAndAcks(t *testing.T) {
	b, _ := newBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := mustRecord(t, "user.account.created")
	_, err := b.Publish(ctx, "users", rec)
	require.NoError(t, err)

	ch, err := b.Consume(ctx, []string{"users"}, bus.ConsumerConfig{
		Group:       "svc",
		OffsetReset: bus.OffsetEarliest,
	})
	require.NoError(t, err)

	select {
	case crec := <-ch:
		assert.Equal(t, rec.Metadata.EventID, crec.Record.Metadata.EventID)
		assert.Equal(t, "svc", crec.ConsumerGroup)
		require.NotNil(t, crec.Ack)
		require.NoError(t, crec.Ack())
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribe_AcksOnHandlerSuccess(t *testing.T) {
	b, _ := newBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan event.ConsumerRecord, 1)
	err := b.Subscribe(ctx, "orders", "svc", func(ctx context.Context, crec event.ConsumerRecord) error {
		got <- crec
		return nil
	}, bus.WithOffsetReset(bus.OffsetEarliest))
	require.NoError(t, err)

	rec := mustRecord(t, "order.item.added")
	_, err = b.Publish(ctx, "orders", rec)
	require.NoError(t, err)

	select {
	case crec := <-got:
		assert.Equal(t, rec.Metadata.EventID, crec.Record.Metadata.EventID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUnacknowledgedEntry_ReclaimedByNewConsumer(t *testing.T) {
	b, _ := newBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := mustRecord(t, "job.task.queued")
	_, err := b.Publish(ctx, "jobs", rec)
	require.NoError(t, err)

	// First consumer reads but never acks.
	firstCtx, firstCancel := context.WithCancel(ctx)
	ch1, err := b.Consume(firstCtx, []string{"jobs"}, bus.ConsumerConfig{
		Group:       "workers",
		ConsumerID:  "worker-1",
		OffsetReset: bus.OffsetEarliest,
	})
	require.NoError(t, err)
	select {
	case crec := <-ch1:
		assert.Equal(t, rec.Metadata.EventID, crec.Record.Metadata.EventID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for first delivery")
	}
	firstCancel()

	// Let the entry's idle time pass MinIdle.
	time.Sleep(20 * time.Millisecond)

	// A second group member reclaims the pending entry.
	ch2, err := b.Consume(ctx, []string{"jobs"}, bus.ConsumerConfig{
		Group:       "workers",
		ConsumerID:  "worker-2",
		OffsetReset: bus.OffsetEarliest,
	})
	require.NoError(t, err)
	select {
	case crec := <-ch2:
		assert.Equal(t, rec.Metadata.EventID, crec.Record.Metadata.EventID, "unacked entry is redelivered")
		require.NoError(t, crec.Ack())
	case <-ctx.Done():
		t.Fatal("timed out waiting for reclaim")
	}
}

func TestRequest_NotSupported(t *testing.T) {
	b, _ := newBroker(t)
	_, err := b.Request(context.Background(), "t", mustRecord(t, "a.b.c"), time.Second)
	var nsErr *bus.NotSupportedError
	require.ErrorAs(t, err, &nsErr)
}

func TestClose_RejectsPublish(t *testing.T) {
	b, _ := newBroker(t)
	require.NoError(t, b.Close())
	_, err := b.Publish(context.Background(), "t", mustRecord(t, "a.b.c"))
	require.Error(t, err)
}
