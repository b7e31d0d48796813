package testutil

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxCounter reports row counts of the outbox table, used by integration
// tests to assert dispatcher progress.
type OutboxCounter struct {
	pool *pgxpool.Pool
}

func NewOutboxCounter(pool *pgxpool.Pool) *OutboxCounter {
	return &OutboxCounter{pool: pool}
}

// CountByStatus returns how many outbox rows are in the given status.
func (c *OutboxCounter) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM outbox_events WHERE status = $1`
	if err := c.pool.QueryRow(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox rows by status: %w", err)
	}
	return count, nil
}

// Total returns the total number of outbox rows.
func (c *OutboxCounter) Total(ctx context.Context) (int, error) {
	var count int
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox rows: %w", err)
	}
	return count, nil
}
