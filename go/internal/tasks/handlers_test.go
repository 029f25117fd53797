package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/taskhub/go/internal/events"
)

type notifierFunc func(ctx context.Context, taskID, assigneeID string) error

func (f notifierFunc) NotifyAssigned(ctx context.Context, taskID, assigneeID string) error {
	return f(ctx, taskID, assigneeID)
}

type fixture struct {
	registry   *events.Registry
	projection *Projection
}

func newFixture(t *testing.T, n Notifier) *fixture {
	f := &fixture{registry: events.NewRegistry(), projection: NewProjection()}
	require.NoError(t, RegisterHandlers(f.registry, f.projection, NewAssignmentHandler(n)))
	return f
}

func (f *fixture) dispatch(t *testing.T, name string, data []byte) events.Result {
	t.Helper()
	b, ok := f.registry.Lookup(name)
	require.True(t, ok, name)
	payload, err := b.Decode(data)
	require.NoError(t, err)
	return b.Dispatch(context.Background(), payload, events.Metadata{events.HeaderEventName: name})
}

func (f *fixture) dispatchJSON(t *testing.T, name string, v any) events.Result {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return f.dispatch(t, name, data)
}

func TestProjection_Lifecycle(t *testing.T) {
	f := newFixture(t, LogNotifier{})

	created := TaskCreatedPayload{TaskID: "t-1", FolderID: "f-1", Title: "draft", CreatedAt: epoch}
	assert.Equal(t, events.DispositionSuccess, f.dispatchJSON(t, EventTaskCreated, created).Disposition)
	// Redelivery leaves the view unchanged.
	assert.Equal(t, events.DispositionSuccess, f.dispatchJSON(t, EventTaskCreated, created).Disposition)
	assert.Equal(t, 1, f.projection.Len())

	moved := TaskMovedPayload{TaskID: "t-1", FromFolderID: "f-1", ToFolderID: "f-2", MovedAt: epoch}
	assert.Equal(t, events.DispositionSuccess, f.dispatchJSON(t, EventTaskMoved, moved).Disposition)

	rename, err := structpb.NewStruct(map[string]any{"task_id": "t-1", "title": "final"})
	require.NoError(t, err)
	data, err := proto.Marshal(rename)
	require.NoError(t, err)
	assert.Equal(t, events.DispositionSuccess, f.dispatch(t, EventTaskRenamed, data).Disposition)

	view, ok := f.projection.Get("t-1")
	require.True(t, ok)
	assert.Equal(t, "f-2", view.FolderID)
	assert.Equal(t, "final", view.Title)

	deleted := TaskDeletedPayload{TaskID: "t-1", DeletedAt: epoch}
	assert.Equal(t, events.DispositionSuccess, f.dispatchJSON(t, EventTaskDeleted, deleted).Disposition)
	assert.Equal(t, events.DispositionSuccess, f.dispatchJSON(t, EventTaskDeleted, deleted).Disposition)
	_, ok = f.projection.Get("t-1")
	assert.False(t, ok)
}

func TestProjection_OutOfOrderRetries(t *testing.T) {
	f := newFixture(t, LogNotifier{})
	res := f.dispatchJSON(t, EventTaskMoved, TaskMovedPayload{TaskID: "t-9", ToFolderID: "f-2"})
	assert.Equal(t, events.DispositionRetry, res.Disposition)
}

func TestProjection_RenameWithoutFieldsDeadLetters(t *testing.T) {
	f := newFixture(t, LogNotifier{})
	empty, err := proto.Marshal(&structpb.Struct{})
	require.NoError(t, err)
	res := f.dispatch(t, EventTaskRenamed, empty)
	assert.Equal(t, events.DispositionDeadLetter, res.Disposition)
	assert.Equal(t, events.ReasonDeserializationFailed, res.Reason)
}

func TestAssignmentHandler(t *testing.T) {
	tests := []struct {
		name       string
		assignee   string
		notifyErr  error
		want       events.Disposition
		wantReason string
	}{
		{"delivered", "u-1", nil, events.DispositionSuccess, ""},
		{"missing assignee", "", nil, events.DispositionDeadLetter, ReasonInvalidAssignee},
		{"unknown assignee", "u-2", ErrUnknownAssignee, events.DispositionDeadLetter, ReasonInvalidAssignee},
		{"transient", "u-3", errors.New("smtp timeout"), events.DispositionRetry, "smtp timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			f := newFixture(t, notifierFunc(func(context.Context, string, string) error {
				calls++
				return tt.notifyErr
			}))

			res := f.dispatchJSON(t, EventTaskAssigned, TaskAssignedPayload{TaskID: "t-1", AssigneeID: tt.assignee})
			assert.Equal(t, tt.want, res.Disposition)
			assert.Equal(t, tt.wantReason, res.Reason)
			if tt.assignee == "" {
				assert.Zero(t, calls)
			}
		})
	}
}

func TestRegisterTypes(t *testing.T) {
	reg := events.NewRegistry()
	require.NoError(t, RegisterTypes(reg))
	assert.Equal(t, []string{
		EventTaskAssigned, EventTaskCreated, EventTaskDeleted, EventTaskMoved, EventTaskRenamed,
	}, reg.Names())

	for _, name := range reg.Names() {
		b, _ := reg.Lookup(name)
		assert.False(t, b.HasHandler(), name)
	}
}
