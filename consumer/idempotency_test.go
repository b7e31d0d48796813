package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tautly/eventgrid/consumer"
	"github.com/tautly/eventgrid/event"
)

type memIdempotencyStore struct {
	mu        sync.Mutex
	processed map[string]bool
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{processed: make(map[string]bool)}
}

func (s *memIdempotencyStore) key(eventID uuid.UUID, group string) string {
	return eventID.String() + "/" + group
}

func (s *memIdempotencyStore) IsProcessed(_ context.Context, eventID uuid.UUID, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[s.key(eventID, group)], nil
}

func (s *memIdempotencyStore) MarkProcessed(_ context.Context, eventID uuid.UUID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[s.key(eventID, group)] = true
	return nil
}

// memTransactor mimics rollback: marks made by a failing fn are discarded by
// never reaching the store (the fn's error aborts before MarkProcessed).
type memTransactor struct{}

func (memTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func deliveredRecord(t *testing.T) event.ConsumerRecord {
	t.Helper()
	rec, err := event.NewRecord("user.created", map[string]string{"user_id": "u-1"})
	require.NoError(t, err)
	return event.ConsumerRecord{Record: *rec, Topic: "user.created", ConsumerGroup: "billing"}
}

func TestIdempotentSkipsDuplicateDelivery(t *testing.T) {
	store := newMemIdempotencyStore()
	calls := 0

	h := consumer.Idempotent("billing", store, memTransactor{},
		func(context.Context, event.ConsumerRecord) error {
			calls++
			return nil
		})

	rec := deliveredRecord(t)
	require.NoError(t, h(context.Background(), rec))
	require.NoError(t, h(context.Background(), rec))
	assert.Equal(t, 1, calls, "redelivery of the same event is a no-op")
}

func TestIdempotentGroupsAreIndependent(t *testing.T) {
	store := newMemIdempotencyStore()
	calls := 0
	handler := func(context.Context, event.ConsumerRecord) error {
		calls++
		return nil
	}

	rec := deliveredRecord(t)
	require.NoError(t, consumer.Idempotent("billing", store, memTransactor{}, handler)(context.Background(), rec))
	require.NoError(t, consumer.Idempotent("audit", store, memTransactor{}, handler)(context.Background(), rec))
	assert.Equal(t, 2, calls, "each group processes the event once")
}

func TestIdempotentFailureLeavesEventUnmarked(t *testing.T) {
	store := newMemIdempotencyStore()
	attempts := 0

	h := consumer.Idempotent("billing", store, memTransactor{},
		func(context.Context, event.ConsumerRecord) error {
			attempts++
			if attempts == 1 {
				return errors.New("transient")
			}
			return nil
		})

	rec := deliveredRecord(t)
	require.Error(t, h(context.Background(), rec))
	require.NoError(t, h(context.Background(), rec), "a failed attempt must not mark the event")
	assert.Equal(t, 2, attempts)
}
