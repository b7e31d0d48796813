package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/event"
)

// IdempotencyStore tracks which events a consumer group has already
// processed, so redeliveries under at-least-once semantics are no-ops.
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, eventID uuid.UUID, group string) (bool, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID, group string) error
}

// Transactor executes a function within a transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Idempotent decorates a handler with exactly-once processing per consumer
// group: already processed events are skipped, and the business logic and the
// processed mark commit atomically.
func Idempotent(group string, store IdempotencyStore, transactor Transactor, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, rec event.ConsumerRecord) error {
		eventID := rec.Record.Metadata.EventID

		processed, err := store.IsProcessed(ctx, eventID, group)
		if err != nil {
			return fmt.Errorf("failed to check for event idempotency: %w", err)
		}
		if processed {
			slog.WarnContext(ctx, "Event already processed, skipping",
				"eventID", eventID, "group", group)
			return nil
		}

		return transactor.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := handler(txCtx, rec); err != nil {
				return err
			}
			if err := store.MarkProcessed(txCtx, eventID, group); err != nil {
				return fmt.Errorf("failed to mark event as processed: %w", err)
			}
			return nil
		})
	}
}
