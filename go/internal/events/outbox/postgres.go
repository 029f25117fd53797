package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the event_outbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS event_outbox (
	id             UUID PRIMARY KEY,
	event_name     TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	trace_id       TEXT NOT NULL DEFAULT '',
	span_id        TEXT NOT NULL DEFAULT '',
	occurred_at    TIMESTAMPTZ NOT NULL,
	available_at   TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ,
	attempt_count  INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS event_outbox_pending_idx
	ON event_outbox (available_at, occurred_at)
	WHERE processed_at IS NULL;
`

// NotifyChannel is the LISTEN/NOTIFY channel the writer signals on.
const NotifyChannel = "event_outbox"

// PostgresStore keeps records in Postgres and locks them with
// FOR UPDATE SKIP LOCKED for the life of a drain cycle.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create event_outbox table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin drain transaction: %w", err)
	}
	return &pgBatch{tx: tx}, nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox records: %w", err)
	}
	return n, nil
}

// Get loads a single record.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE id = $1`, id)
	if err != nil {
		return Record{}, fmt.Errorf("query outbox record: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan outbox record: %w", err)
	}
	return rec, nil
}

const selectColumns = `
	SELECT id, event_name, payload, trace_id, span_id, occurred_at, available_at,
	       processed_at, attempt_count, last_error
	FROM event_outbox`

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.EventName, &r.Payload, &r.TraceID, &r.SpanID, &r.OccurredAt, &r.AvailableAt,
		&r.ProcessedAt, &r.AttemptCount, &r.LastError,
	)
	return r, err
}

type pgBatch struct {
	tx pgx.Tx
}

func (b *pgBatch) Eligible(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	rows, err := b.tx.Query(ctx, selectColumns+`
		WHERE processed_at IS NULL AND available_at <= $1
		ORDER BY occurred_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible outbox records: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan eligible outbox records: %w", err)
	}
	return records, nil
}

// exec runs one statement in a savepoint so a failing statement does not abort
// the cycle transaction for the remaining records.
func (b *pgBatch) exec(ctx context.Context, sql string, args ...any) error {
	return pgx.BeginFunc(ctx, b.tx, func(sp pgx.Tx) error {
		tag, err := sp.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
}

func (b *pgBatch) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := b.exec(ctx, `UPDATE event_outbox SET processed_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("mark outbox record %s processed: %w", id, err)
	}
	return nil
}

func (b *pgBatch) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, availableAt time.Time, lastErr string) error {
	err := b.exec(ctx, `
		UPDATE event_outbox
		SET attempt_count = $2, available_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, availableAt, lastErr)
	if err != nil {
		return fmt.Errorf("mark outbox record %s failed: %w", id, err)
	}
	return nil
}

func (b *pgBatch) Reject(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	err := b.exec(ctx, `
		UPDATE event_outbox
		SET processed_at = $2, last_error = $3
		WHERE id = $1`, id, at, reason)
	if err != nil {
		return fmt.Errorf("reject outbox record %s: %w", id, err)
	}
	return nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit drain transaction: %w", err)
	}
	return nil
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	if err := b.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback drain transaction: %w", err)
	}
	return nil
}
