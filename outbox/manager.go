package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tautly/eventgrid/event"
)

// Manager is the write-side entry point of the outbox. It stores events
// inside the caller's transaction; publishing is left to the Dispatcher.
type Manager struct {
	store Store
}

// NewManager creates a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// StoreOption adjusts how a record is stored.
type StoreOption func(*Event)

// WithTopic overrides the destination topic for the stored row.
func WithTopic(topic string) StoreOption {
	return func(ev *Event) {
		if topic != "" {
			ev.Topic = topic
		}
	}
}

// WithPartitionKey overrides the partition key for the stored row.
func WithPartitionKey(key string) StoreOption {
	return func(ev *Event) {
		if key != "" {
			ev.PartitionKey = key
		}
	}
}

// WithScheduledAt delays dispatch: the row stays invisible to claims until
// the given time.
func WithScheduledAt(at time.Time) StoreOption {
	return func(ev *Event) {
		if !at.IsZero() {
			t := at.UTC()
			ev.ScheduledAt = &t
		}
	}
}

// StoreEvent persists a record as a pending outbox row. It must be called
// within a transaction started by the store's transactor so the row shares
// the caller's commit or rollback. Returns the row id.
func (m *Manager) StoreEvent(ctx context.Context, rec *event.Record, opts ...StoreOption) (uuid.UUID, error) {
	ev, err := FromRecord(rec)
	if err != nil {
		return uuid.Nil, err
	}
	for _, opt := range opts {
		opt(ev)
	}

	if err := m.store.SaveTx(ctx, ev); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store outbox event %s: %w", ev.EventID, err)
	}
	return ev.ID, nil
}

// PendingEvents returns undispatched rows for inspection, oldest first.
func (m *Manager) PendingEvents(ctx context.Context, limit int, opts PendingOptions) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.Pending(ctx, limit, opts)
}
