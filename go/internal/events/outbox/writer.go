package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"google.golang.org/protobuf/proto"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/telemetry"
)

// DBTX is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool. Callers pass the
// transaction that carries their business writes.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Writer appends records to the outbox. It is the only write API business
// code needs.
type Writer struct {
	clock clockwork.Clock
}

func NewWriter(clock clockwork.Clock) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{clock: clock}
}

type appendOptions struct {
	delay time.Duration
}

type AppendOption func(*appendOptions)

// WithDelay holds the record back from the drain loop for d.
func WithDelay(d time.Duration) AppendOption {
	return func(o *appendOptions) { o.delay = d }
}

// Append inserts one record in tx. Drain loops listening on NotifyChannel are
// woken when tx commits.
func (w *Writer) Append(ctx context.Context, tx DBTX, eventName string, payload []byte, opts ...AppendOption) (uuid.UUID, error) {
	if eventName == "" {
		return uuid.Nil, events.ErrEmptyEventName
	}

	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	md := events.Metadata{}
	telemetry.InjectIDs(ctx, md)

	id := uuid.New()
	now := w.clock.Now().UTC()

	_, err := tx.Exec(ctx, `
		INSERT INTO event_outbox (id, event_name, payload, trace_id, span_id, occurred_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, eventName, payload, md[events.HeaderTraceID], md[events.HeaderSpanID], now, now.Add(o.delay))
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert outbox record: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, id.String()); err != nil {
		return uuid.Nil, fmt.Errorf("notify outbox channel: %w", err)
	}
	return id, nil
}

// AppendJSON marshals v and appends it.
func (w *Writer) AppendJSON(ctx context.Context, tx DBTX, eventName string, v any, opts ...AppendOption) (uuid.UUID, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal %s payload: %w", eventName, err)
	}
	return w.Append(ctx, tx, eventName, payload, opts...)
}

// AppendProto marshals msg and appends it.
func (w *Writer) AppendProto(ctx context.Context, tx DBTX, eventName string, msg proto.Message, opts ...AppendOption) (uuid.UUID, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal %s payload: %w", eventName, err)
	}
	return w.Append(ctx, tx, eventName, payload, opts...)
}
