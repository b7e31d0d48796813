package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingOptions narrows queries over stored rows.
type PendingOptions struct {
	// TenantID restricts results to a single tenant when set.
	TenantID string
	// IncludeScheduled returns rows whose scheduled_at is still in the
	// future. When false only rows due now are returned.
	IncludeScheduled bool
}

// Store defines the persistence contract for outbox rows. Implementations
// must enforce the status transition rules of ValidateTransition.
type Store interface {
	// SaveTx inserts a pending row. It expects a transaction in the context
	// so the row commits or rolls back with the caller's business change.
	SaveTx(ctx context.Context, ev *Event) error

	// Pending returns pending rows ordered by creation time without
	// claiming them.
	Pending(ctx context.Context, limit int, opts PendingOptions) ([]*Event, error)

	// ClaimBatch atomically promotes due failed rows back to pending, then
	// moves up to limit due pending rows to processing and returns them.
	// Concurrent dispatchers never receive the same row.
	ClaimBatch(ctx context.Context, limit int) ([]*Event, error)

	// MarkPublished moves a processing row to published and stamps
	// published_at.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed moves a processing row to failed, records the error and
	// retry count, and schedules the next attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int, scheduledAt time.Time) error

	// MarkDeadLetter moves a processing or failed row to dead_letter with
	// the final error.
	MarkDeadLetter(ctx context.Context, id uuid.UUID, errMsg string) error

	// ResetStuck returns processing rows older than the cutoff to pending
	// and reports how many were reset.
	ResetStuck(ctx context.Context, olderThan time.Time) (int, error)

	// Purge deletes rows in the given terminal status older than the cutoff
	// and reports how many were removed.
	Purge(ctx context.Context, status Status, olderThan time.Time) (int, error)
}
