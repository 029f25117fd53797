package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mcdev12/taskhub/go/internal/events"
	"github.com/mcdev12/taskhub/go/internal/events/deadletter"
	"github.com/mcdev12/taskhub/go/internal/events/telemetry"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type connected bool

func (c connected) Connected() bool { return bool(c) }

type breakerState string

func (b breakerState) State() string { return string(b) }

type pendingCount int

func (p pendingCount) CountPending(context.Context) (int, error) { return int(p), nil }

type fakeDrainer struct {
	running   bool
	published uint64
	lastCycle time.Time
	wakes     atomic.Int32
}

func (d *fakeDrainer) Running() bool { return d.running }

func (d *fakeDrainer) Stats() (uint64, time.Time) { return d.published, d.lastCycle }

func (d *fakeDrainer) Wake() { d.wakes.Add(1) }

func healthyChecker(clock clockwork.Clock) *Checker {
	return &Checker{
		DB:         pingFunc(func(context.Context) error { return nil }),
		Broker:     connected(true),
		Drainer:    &fakeDrainer{running: true, published: 7, lastCycle: epoch},
		Pending:    pendingCount(3),
		Breaker:    breakerState("closed"),
		StallAfter: time.Minute,
		Clock:      clock,
	}
}

func TestChecker_Healthy(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch.Add(10 * time.Second))
	st := healthyChecker(clock).Check(context.Background())

	assert.True(t, st.Healthy)
	assert.Empty(t, st.Errors)
	assert.True(t, st.DatabaseConnected)
	assert.True(t, st.BrokerConnected)
	assert.True(t, st.DrainerRunning)
	assert.Equal(t, uint64(7), st.EventsPublished)
	assert.Equal(t, 3, st.PendingEvents)
	assert.Equal(t, "closed", st.BreakerState)
}

func TestChecker_Failures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch.Add(10 * time.Second))

	tests := []struct {
		name   string
		mutate func(c *Checker)
		want   string
	}{
		{"database down", func(c *Checker) {
			c.DB = pingFunc(func(context.Context) error { return errors.New("connection refused") })
		}, "database ping failed: connection refused"},
		{"broker down", func(c *Checker) { c.Broker = connected(false) }, "broker disconnected"},
		{"breaker open", func(c *Checker) { c.Breaker = breakerState("open") }, "publisher circuit open"},
		{"drainer stopped", func(c *Checker) { c.Drainer = &fakeDrainer{} }, "outbox drainer not running"},
		{"stalled", func(c *Checker) { c.StallAfter = 5 * time.Second }, "no drain cycle for 10s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := healthyChecker(clock)
			tt.mutate(c)
			st := c.Check(context.Background())
			assert.False(t, st.Healthy)
			assert.Contains(t, st.Errors, tt.want)
		})
	}
}

func TestChecker_PendingAlertIsWarningOnly(t *testing.T) {
	c := healthyChecker(clockwork.NewFakeClockAt(epoch))
	c.PendingAlert = 2
	st := c.Check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, []string{"high pending event count: 3"}, st.Errors)
}

func newTestServer(t *testing.T, checker *Checker, letters deadletter.Lister) (*httptest.Server, *telemetry.Counters) {
	counters := telemetry.NewCounters()
	srv := httptest.NewServer(NewServer(checker, counters, letters).Handler())
	t.Cleanup(srv.Close)
	return srv, counters
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, healthyChecker(clockwork.NewFakeClockAt(epoch)), nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Healthy)
	assert.Equal(t, 3, st.PendingEvents)
}

func TestServer_HealthEndpointUnhealthy(t *testing.T) {
	checker := healthyChecker(clockwork.NewFakeClockAt(epoch))
	checker.Broker = connected(false)
	srv, _ := newTestServer(t, checker, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_ConnectHealth(t *testing.T) {
	srv, _ := newTestServer(t, healthyChecker(clockwork.NewFakeClockAt(epoch)), nil)

	client := connect.NewClient[emptypb.Empty, structpb.Struct](srv.Client(), srv.URL+HealthProcedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)

	fields := resp.Msg.AsMap()
	assert.Equal(t, true, fields["healthy"])
	assert.Equal(t, float64(7), fields["events_published"])
	assert.Equal(t, "2026-03-01T12:00:00Z", fields["last_cycle"])
}

func TestServer_Counters(t *testing.T) {
	srv, counters := newTestServer(t, nil, nil)
	counters.Relayed(context.Background(), "TaskCreated")
	counters.Relayed(context.Background(), "TaskCreated")

	client := connect.NewClient[emptypb.Empty, structpb.Struct](srv.Client(), srv.URL+CountersProcedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, float64(2), resp.Msg.AsMap()["relayed{TaskCreated}"])
}

func TestServer_DeadLetters(t *testing.T) {
	mem := deadletter.NewMemory()
	for i := 0; i < 3; i++ {
		letter := deadletter.New("TaskCreated", "TaskCreated", events.ReasonHandlerRejected, []byte(`{}`),
			events.Metadata{events.HeaderEventName: "TaskCreated"}, epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, mem.Save(context.Background(), letter))
	}
	srv, _ := newTestServer(t, nil, mem)

	client := connect.NewClient[wrapperspb.Int32Value, structpb.ListValue](srv.Client(), srv.URL+DeadLettersProcedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.Int32(2)))
	require.NoError(t, err)

	items := resp.Msg.AsSlice()
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, events.ReasonHandlerRejected, first["reason"])
	assert.Equal(t, "2026-03-01T12:00:02Z", first["created_at"])
	assert.Equal(t, map[string]any{events.HeaderEventName: "TaskCreated"}, first["headers"])
}

func TestServer_DeadLettersWithoutLister(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	client := connect.NewClient[wrapperspb.Int32Value, structpb.ListValue](srv.Client(), srv.URL+DeadLettersProcedure)
	_, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.Int32(0)))
	require.Error(t, err)
	assert.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))
}

func TestServer_Wake(t *testing.T) {
	drainer := &fakeDrainer{running: true}
	srv, _ := newTestServer(t, &Checker{Drainer: drainer}, nil)

	client := connect.NewClient[emptypb.Empty, emptypb.Empty](srv.Client(), srv.URL+WakeProcedure)
	_, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), drainer.wakes.Load())

	srv2, _ := newTestServer(t, nil, nil)
	client = connect.NewClient[emptypb.Empty, emptypb.Empty](srv2.Client(), srv2.URL+WakeProcedure)
	_, err = client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
}
