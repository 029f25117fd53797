package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store opens drain cycles.
type Store interface {
	Begin(ctx context.Context) (Batch, error)
}

// Batch is one drain cycle's transaction. Rows returned by Eligible stay
// locked until Commit or Rollback.
type Batch interface {
	// Eligible returns up to limit unprocessed records with availableAt <= now,
	// oldest occurredAt first.
	Eligible(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed stores a transient publish failure.
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, availableAt time.Time, lastErr string) error
	// Reject takes a record out of the eligible set for good, keeping the reason.
	Reject(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Counter reports how many records wait for the drain loop.
type Counter interface {
	CountPending(ctx context.Context) (int, error)
}
