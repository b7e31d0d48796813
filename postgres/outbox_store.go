package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tautly/eventgrid/outbox"
)

const outboxColumns = `id, event_id, event_type, tenant_id, data, metadata, topic,
	partition_key, status, retry_count, created_at, updated_at, scheduled_at,
	published_at, last_error`

// OutboxStore implements outbox.Store for PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never receive the same row.
type OutboxStore struct {
	db *DB
}

func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// SaveTx inserts a pending row. It expects to be called within a transaction
// started by DB.WithTransaction so the row commits with the caller's change.
func (s *OutboxStore) SaveTx(ctx context.Context, ev *outbox.Event) error {
	tx, ok := txFromContext(ctx)
	if !ok {
		return fmt.Errorf("SaveTx must be called within a transaction")
	}

	query := `
        INSERT INTO outbox_events
            (id, event_id, event_type, tenant_id, data, metadata, topic,
             partition_key, status, retry_count, created_at, updated_at, scheduled_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err := tx.Exec(ctx, query,
		ev.ID, ev.EventID, ev.EventType, ev.TenantID, ev.Data, ev.Metadata,
		ev.Topic, ev.PartitionKey, ev.Status, ev.RetryCount, ev.CreatedAt, ev.UpdatedAt,
		ev.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox row for event %s: %w", ev.EventID, err)
	}
	return nil
}

// Pending returns due pending rows oldest first, without claiming them.
func (s *OutboxStore) Pending(ctx context.Context, limit int, opts outbox.PendingOptions) ([]*outbox.Event, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM outbox_events
        WHERE status = 'pending'
          AND ($1 = '' OR tenant_id = $1)
          AND ($2 OR scheduled_at IS NULL OR scheduled_at <= now())
        ORDER BY created_at
        LIMIT $3
    `, outboxColumns)
	rows, err := s.db.Pool.Query(ctx, query, opts.TenantID, opts.IncludeScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox rows: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ClaimBatch promotes due failed rows back to pending, then atomically moves
// up to limit due pending rows to processing and returns them.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Event, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction for outbox claim: %w", err)
	}
	defer tx.Rollback(ctx)

	promote := `
        UPDATE outbox_events
        SET status = 'pending', updated_at = now()
        WHERE id IN (
            SELECT id FROM outbox_events
            WHERE status = 'failed' AND scheduled_at <= now()
            FOR UPDATE SKIP LOCKED
        )
    `
	if _, err := tx.Exec(ctx, promote); err != nil {
		return nil, fmt.Errorf("failed to promote retryable outbox rows: %w", err)
	}

	claim := fmt.Sprintf(`
        UPDATE outbox_events
        SET status = 'processing', updated_at = now()
        WHERE id IN (
            SELECT id FROM outbox_events
            WHERE status = 'pending'
              AND (scheduled_at IS NULL OR scheduled_at <= now())
            ORDER BY created_at
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING %s
    `, outboxColumns)
	rows, err := tx.Query(ctx, claim, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit outbox claim: %w", err)
	}
	return events, nil
}

// MarkPublished moves a processing row to published.
func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	query := `
        UPDATE outbox_events
        SET status = 'published', published_at = now(), updated_at = now()
        WHERE id = $1 AND status = 'processing'
    `
	return s.execTransition(ctx, query, "published", id)
}

// MarkFailed moves a processing row to failed and schedules the next attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, scheduledAt time.Time) error {
	query := `
        UPDATE outbox_events
        SET status = 'failed', last_error = $2, retry_count = $3,
            scheduled_at = $4, updated_at = now()
        WHERE id = $1 AND status = 'processing'
    `
	cmdTag, err := s.db.Pool.Exec(ctx, query, id, errMsg, retryCount, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row %s as failed: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "failed")
	}
	return nil
}

// MarkDeadLetter parks a processing or failed row in dead_letter.
func (s *OutboxStore) MarkDeadLetter(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
        UPDATE outbox_events
        SET status = 'dead_letter', last_error = $2, updated_at = now()
        WHERE id = $1 AND status IN ('processing', 'failed')
    `
	cmdTag, err := s.db.Pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to dead-letter outbox row %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "dead_letter")
	}
	return nil
}

// ResetStuck returns processing rows abandoned before the cutoff to pending.
func (s *OutboxStore) ResetStuck(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
        UPDATE outbox_events
        SET status = 'pending', updated_at = now()
        WHERE status = 'processing' AND updated_at < $1
    `
	cmdTag, err := s.db.Pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck outbox rows: %w", err)
	}
	return int(cmdTag.RowsAffected()), nil
}

// Purge deletes rows in a terminal status last touched before the cutoff.
func (s *OutboxStore) Purge(ctx context.Context, status outbox.Status, olderThan time.Time) (int, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("cannot purge non-terminal status %q", status)
	}
	query := `DELETE FROM outbox_events WHERE status = $1 AND updated_at < $2`
	cmdTag, err := s.db.Pool.Exec(ctx, query, status, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox rows: %w", err)
	}
	return int(cmdTag.RowsAffected()), nil
}

func (s *OutboxStore) execTransition(ctx context.Context, query, target string, id uuid.UUID) error {
	cmdTag, err := s.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row %s as %s: %w", id, target, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, target)
	}
	return nil
}

// transitionError reports why a status update matched no row: either the row
// is gone or it is in a status the transition rules forbid.
func (s *OutboxStore) transitionError(ctx context.Context, id uuid.UUID, target string) error {
	var current outbox.Status
	err := s.db.Pool.QueryRow(ctx, `SELECT status FROM outbox_events WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("outbox row %s not found", id)
		}
		return fmt.Errorf("failed to look up outbox row %s: %w", id, err)
	}
	if vErr := outbox.ValidateTransition(current, outbox.Status(target)); vErr != nil {
		return fmt.Errorf("outbox row %s: %w", id, vErr)
	}
	return fmt.Errorf("outbox row %s: %w: %s -> %s", id, outbox.ErrInvalidTransition, current, target)
}

func collectEvents(rows pgx.Rows) ([]*outbox.Event, error) {
	defer rows.Close()
	var events []*outbox.Event
	for rows.Next() {
		var ev outbox.Event
		var scheduledAt, publishedAt *time.Time
		var lastError *string
		err := rows.Scan(
			&ev.ID, &ev.EventID, &ev.EventType, &ev.TenantID, &ev.Data, &ev.Metadata,
			&ev.Topic, &ev.PartitionKey, &ev.Status, &ev.RetryCount,
			&ev.CreatedAt, &ev.UpdatedAt, &scheduledAt, &publishedAt, &lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		ev.ScheduledAt = scheduledAt
		ev.PublishedAt = publishedAt
		if lastError != nil {
			ev.LastError = *lastError
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox rows: %w", err)
	}
	return events, nil
}
