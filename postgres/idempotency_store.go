package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ProcessedStore implements consumer.IdempotencyStore for PostgreSQL.
type ProcessedStore struct {
	db *DB
}

func NewProcessedStore(db *DB) *ProcessedStore {
	return &ProcessedStore{db: db}
}

// IsProcessed checks if a consumer group has already handled an event.
func (s *ProcessedStore) IsProcessed(ctx context.Context, eventID uuid.UUID, group string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_group = $2)`
	err := s.db.Pool.QueryRow(ctx, query, eventID, group).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed records an event as handled. It expects to be called within a
// transaction so the mark commits with the handler's own writes.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID uuid.UUID, group string) error {
	tx, ok := txFromContext(ctx)
	if !ok {
		return fmt.Errorf("MarkProcessed must be called within a transaction")
	}

	query := `INSERT INTO processed_events (event_id, consumer_group) VALUES ($1, $2)`
	_, err := tx.Exec(ctx, query, eventID, group)
	if err != nil {
		var pgErr *pgconn.PgError
		// "23505" is the unique_violation error code in PostgreSQL. A
		// concurrent consumer just processed the same event, which is fine.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return nil
}
