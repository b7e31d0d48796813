package consumer_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/bus/membus"
	"github.com/tautly/eventgrid/consumer"
	"github.com/tautly/eventgrid/event"
)

func fastPolicy(maxRetries int) consumer.RetryPolicy {
	return consumer.RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   10 * time.Millisecond,
	}
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(membus.New(membus.Config{PollInterval: time.Millisecond}))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

type recorder struct {
	mu       sync.Mutex
	attempts int
	dlq      []event.ConsumerRecord
}

func (r *recorder) attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.attempts
}

func (r *recorder) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *recorder) addDLQ(rec event.ConsumerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, rec)
}

func (r *recorder) dlqRecords() []event.ConsumerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.ConsumerRecord, len(r.dlq))
	copy(out, r.dlq)
	return out
}

func TestRunnerDeadLettersAfterExhaustedRetries(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	runner := consumer.NewRunner(b, consumer.WithRetryPolicy(fastPolicy(3)))
	err := runner.Subscribe("orders", "billing", func(context.Context, event.ConsumerRecord) error {
		rec.attempt()
		return errors.New("charge declined")
	})
	require.NoError(t, err)

	require.NoError(t, b.Subscribe("orders.DLQ", "billing-dlq",
		func(_ context.Context, cr event.ConsumerRecord) error {
			rec.addDLQ(cr)
			return nil
		}))

	msg, err := event.NewRecord("order.placed", map[string]int{"qty": 1}, event.WithTopic("orders"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.dlqRecords()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, rec.attemptCount(), "one initial attempt plus three retries")

	dlq := rec.dlqRecords()[0]
	headers := dlq.Record.Metadata.Headers
	assert.Equal(t, "orders", headers[bus.HeaderOriginalTopic])
	assert.Equal(t, "3", headers[bus.HeaderRetryCount])
	assert.Equal(t, "charge declined", headers[bus.HeaderError])
	assert.Equal(t, msg.Metadata.EventID, dlq.Record.Metadata.EventID, "identity survives the DLQ hop")
}

func TestRunnerSucceedsAfterTransientFailures(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	var mu sync.Mutex
	var retryErrs []error
	successes := 0

	runner := consumer.NewRunner(b,
		consumer.WithRetryPolicy(fastPolicy(5)),
		consumer.OnRetry(func(_ context.Context, _ event.ConsumerRecord, retry int, err error) {
			mu.Lock()
			defer mu.Unlock()
			retryErrs = append(retryErrs, err)
		}),
		consumer.OnSuccess(func(context.Context, event.ConsumerRecord) {
			mu.Lock()
			defer mu.Unlock()
			successes++
		}),
	)
	err := runner.Subscribe("orders", "billing", func(context.Context, event.ConsumerRecord) error {
		if rec.attempt() < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	msg, err := event.NewRecord("order.placed", nil, event.WithTopic("orders"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return successes == 1
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, retryErrs, 2)
	assert.Equal(t, 3, rec.attemptCount())
}

func TestRunnerCallbackPanicDoesNotChangeOutcome(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	runner := consumer.NewRunner(b,
		consumer.WithRetryPolicy(fastPolicy(2)),
		consumer.OnRetry(func(context.Context, event.ConsumerRecord, int, error) {
			panic("observer bug")
		}),
		consumer.OnDeadLetter(func(_ context.Context, cr event.ConsumerRecord, _ error) {
			rec.addDLQ(cr)
		}),
	)
	err := runner.Subscribe("orders", "billing", func(context.Context, event.ConsumerRecord) error {
		rec.attempt()
		return errors.New("always failing")
	})
	require.NoError(t, err)

	msg, err := event.NewRecord("order.placed", nil, event.WithTopic("orders"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.dlqRecords()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, rec.attemptCount())
}

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	p := consumer.RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   time.Second,
		Jitter:     0,
	}

	var prev time.Duration
	for retry := 0; retry < 10; retry++ {
		d := p.Delay(retry)
		assert.GreaterOrEqual(t, d, prev, "delay is monotone at retry %d", retry)
		assert.LessOrEqual(t, d, p.MaxDelay, "delay is capped at retry %d", retry)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(9))
}

func TestRetryPolicyJitterStaysInBounds(t *testing.T) {
	p := consumer.RetryPolicy{
		BaseDelay:  10 * time.Millisecond,
		Multiplier: 1.0,
		MaxDelay:   10 * time.Millisecond,
		Jitter:     5 * time.Millisecond,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(i % 3)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond, "iteration "+strconv.Itoa(i))
		assert.LessOrEqual(t, d, 15*time.Millisecond, "iteration "+strconv.Itoa(i))
	}
}

func TestRetryPolicyFloorsAtZero(t *testing.T) {
	p := consumer.RetryPolicy{
		BaseDelay:  time.Millisecond,
		Multiplier: 1.0,
		MaxDelay:   time.Millisecond,
		Jitter:     time.Minute,
	}
	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, p.Delay(0), time.Duration(0))
	}
}
