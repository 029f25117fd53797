package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mcdev12/taskhub/go/internal/events"
)

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	calls []execCall
	err   error
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestWriter_AppendInsertsAndNotifies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tx := &fakeTx{}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	id, err := NewWriter(clock).AppendJSON(ctx, tx, "TaskCreated", taskCreated{Title: "x"}, WithDelay(time.Minute))
	require.NoError(t, err)
	require.Len(t, tx.calls, 2)

	insert := tx.calls[0]
	assert.True(t, strings.Contains(insert.sql, "INSERT INTO event_outbox"))
	assert.Equal(t, id, insert.args[0])
	assert.Equal(t, "TaskCreated", insert.args[1])
	assert.JSONEq(t, `{"task_id":"","title":"x"}`, string(insert.args[2].([]byte)))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", insert.args[3])
	assert.Equal(t, "00f067aa0ba902b7", insert.args[4])
	assert.Equal(t, epoch, insert.args[5])
	assert.Equal(t, epoch.Add(time.Minute), insert.args[6])

	notify := tx.calls[1]
	assert.Contains(t, notify.sql, "pg_notify")
	assert.Equal(t, []any{NotifyChannel, id.String()}, notify.args)
}

func TestWriter_AppendProto(t *testing.T) {
	tx := &fakeTx{}
	_, err := NewWriter(nil).AppendProto(context.Background(), tx, "TaskRenamed", wrapperspb.String("new title"))
	require.NoError(t, err)
	require.Len(t, tx.calls, 2)
	assert.Equal(t, "", tx.calls[0].args[3])
}

func TestWriter_Errors(t *testing.T) {
	_, err := NewWriter(nil).Append(context.Background(), &fakeTx{}, "", nil)
	assert.ErrorIs(t, err, events.ErrEmptyEventName)

	boom := errors.New("tx aborted")
	_, err = NewWriter(nil).Append(context.Background(), &fakeTx{err: boom}, "TaskCreated", []byte(`{}`))
	assert.ErrorIs(t, err, boom)
}

func TestRecord_Headers(t *testing.T) {
	r := Record{EventName: "TaskCreated", TraceID: "t"}
	md := r.Headers()
	assert.Equal(t, "TaskCreated", md.EventName())
	assert.Equal(t, "t", md[events.HeaderTraceID])
	_, hasSpan := md[events.HeaderSpanID]
	assert.False(t, hasSpan)
}
