package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type taskCreated struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
}

func TestRegistry_HandleJSON(t *testing.T) {
	reg := NewRegistry()

	var got taskCreated
	require.NoError(t, Handle(reg, "TaskCreated", func(ctx context.Context, p taskCreated, md Metadata) Result {
		got = p
		return Success()
	}))

	b, ok := reg.Lookup("TaskCreated")
	require.True(t, ok)
	require.True(t, b.HasHandler())

	payload, err := b.Decode([]byte(`{"taskId":"t-1","title":"write docs"}`))
	require.NoError(t, err)

	res := b.Dispatch(context.Background(), payload, Metadata{})
	assert.Equal(t, DispositionSuccess, res.Disposition)
	assert.Equal(t, taskCreated{TaskID: "t-1", Title: "write docs"}, got)
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry()

	_, ok := reg.Lookup("LegacyWidgetMoved")
	assert.False(t, ok)

	_, err := reg.Decode("LegacyWidgetMoved", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownEventType))
}

func TestRegistry_DecodeFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register[taskCreated](reg, "TaskCreated"))

	_, err := reg.Decode("TaskCreated", []byte(`not json`))
	assert.True(t, errors.Is(err, ErrDecodePayload))
}

func TestRegistry_TypeWithoutHandlerSkips(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register[taskCreated](reg, "TaskCreated"))

	b, ok := reg.Lookup("TaskCreated")
	require.True(t, ok)
	assert.False(t, b.HasHandler())
	assert.Equal(t, DispositionSkip, b.Dispatch(context.Background(), taskCreated{}, nil).Disposition)
}

func TestRegistry_DuplicateAndInvalid(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register[taskCreated](reg, "TaskCreated"))

	assert.ErrorIs(t, Register[taskCreated](reg, "TaskCreated"), ErrDuplicateHandler)
	assert.ErrorIs(t, Register[taskCreated](reg, ""), ErrEmptyEventName)
	assert.ErrorIs(t, Handle[taskCreated](reg, "TaskMoved", nil), ErrNilHandler)
	assert.Equal(t, []string{"TaskCreated"}, reg.Names())
}

func TestRegistry_HandleProto(t *testing.T) {
	reg := NewRegistry()

	var got string
	require.NoError(t, HandleProto(reg, "SpaceRenamed", func(ctx context.Context, p *wrapperspb.StringValue, md Metadata) Result {
		got = p.GetValue()
		return Skip()
	}))

	data, err := proto.Marshal(wrapperspb.String("Roadmap"))
	require.NoError(t, err)

	payload, err := reg.Decode("SpaceRenamed", data)
	require.NoError(t, err)

	b, _ := reg.Lookup("SpaceRenamed")
	assert.Equal(t, DispositionSkip, b.Dispatch(context.Background(), payload, nil).Disposition)
	assert.Equal(t, "Roadmap", got)
}

func TestRegistry_RegisterProtoWithoutHandler(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterProto[*wrapperspb.StringValue](reg, "SpaceRenamed"))

	_, err := reg.Decode("SpaceRenamed", []byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrDecodePayload)

	b, _ := reg.Lookup("SpaceRenamed")
	assert.False(t, b.HasHandler())
}

func TestMetadata_Attempts(t *testing.T) {
	assert.Equal(t, 0, Metadata{}.Attempts())
	assert.Equal(t, 0, Metadata{HeaderRetryAttempts: "garbage"}.Attempts())
	assert.Equal(t, 0, Metadata{HeaderRetryAttempts: "-2"}.Attempts())
	assert.Equal(t, 4, Metadata{HeaderRetryAttempts: "4"}.Attempts())

	md := Metadata{HeaderEventName: "TaskCreated"}
	clone := md.Clone()
	clone.SetAttempts(1)
	assert.Equal(t, "1", clone[HeaderRetryAttempts])
	_, present := md[HeaderRetryAttempts]
	assert.False(t, present)
}

func TestMetadata_AvailableAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 500, time.FixedZone("X", 3600))

	md := Metadata{}
	md.SetAvailableAt(at)

	got, ok := md.AvailableAt()
	require.True(t, ok)
	assert.True(t, got.Equal(at))
	assert.Equal(t, time.UTC, got.Location())

	_, ok = Metadata{HeaderAvailableAtUTC: "yesterday"}.AvailableAt()
	assert.False(t, ok)
}
