package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mcdev12/taskhub/go/internal/events/deadletter"
)

const ServiceName = "taskhub.events.v1.AdminService"

const (
	HealthProcedure      = "/" + ServiceName + "/Health"
	CountersProcedure    = "/" + ServiceName + "/Counters"
	DeadLettersProcedure = "/" + ServiceName + "/DeadLetters"
	WakeProcedure        = "/" + ServiceName + "/Wake"
)

const (
	checkTimeout       = 5 * time.Second
	defaultLetterLimit = 50
)

type Snapshotter interface {
	Snapshot() map[string]int64
}

type Server struct {
	checker  *Checker
	counters Snapshotter
	letters  deadletter.Lister
}

// NewServer builds the admin surface. counters and letters may be nil.
func NewServer(checker *Checker, counters Snapshotter, letters deadletter.Lister) *Server {
	if checker == nil {
		checker = &Checker{}
	}
	return &Server{checker: checker, counters: counters, letters: letters}
}

// Handler returns the mux wrapped in CORS and h2c, like every other service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(HealthProcedure, connect.NewUnaryHandler(HealthProcedure, s.health))
	mux.Handle(CountersProcedure, connect.NewUnaryHandler(CountersProcedure, s.counterSnapshot))
	mux.Handle(DeadLettersProcedure, connect.NewUnaryHandler(DeadLettersProcedure, s.deadLetters))
	mux.Handle(WakeProcedure, connect.NewUnaryHandler(WakeProcedure, s.wake))
	mux.HandleFunc("/health", s.serveHealth)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (s *Server) health(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	st, err := structpb.NewStruct(statusFields(s.checker.Check(ctx)))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

func (s *Server) counterSnapshot(_ context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	fields := map[string]any{}
	if s.counters != nil {
		for k, v := range s.counters.Snapshot() {
			fields[k] = v
		}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

func (s *Server) deadLetters(ctx context.Context, req *connect.Request[wrapperspb.Int32Value]) (*connect.Response[structpb.ListValue], error) {
	if s.letters == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("dead-letter sink cannot be listed"))
	}

	limit := int(req.Msg.GetValue())
	if limit <= 0 {
		limit = defaultLetterLimit
	}
	letters, err := s.letters.Recent(ctx, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}

	items := make([]any, 0, len(letters))
	for _, l := range letters {
		items = append(items, letterFields(l))
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(list), nil
}

func (s *Server) wake(_ context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[emptypb.Empty], error) {
	if s.checker.Drainer == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("no outbox drainer in this process"))
	}
	s.checker.Drainer.Wake()
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status := s.checker.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}

func statusFields(st HealthStatus) map[string]any {
	errs := make([]any, 0, len(st.Errors))
	for _, e := range st.Errors {
		errs = append(errs, e)
	}
	fields := map[string]any{
		"healthy":            st.Healthy,
		"database_connected": st.DatabaseConnected,
		"broker_connected":   st.BrokerConnected,
		"drainer_running":    st.DrainerRunning,
		"events_published":   st.EventsPublished,
		"pending_events":     st.PendingEvents,
		"errors":             errs,
	}
	if st.BreakerState != "" {
		fields["breaker_state"] = st.BreakerState
	}
	if !st.LastCycle.IsZero() {
		fields["last_cycle"] = st.LastCycle.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func letterFields(l deadletter.Letter) map[string]any {
	headers := make(map[string]any, len(l.Headers))
	for k, v := range l.Headers {
		headers[k] = v
	}
	return map[string]any{
		"id":         l.ID.String(),
		"event_name": l.EventName,
		"topic":      l.Topic,
		"reason":     l.Reason,
		"payload":    string(l.Payload),
		"headers":    headers,
		"created_at": l.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
