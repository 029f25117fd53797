package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

func at(topic string, partition int32, offset int64) stream.Position {
	return stream.NewPosition(topic, partition, offset, nil)
}

func TestOffsetTracker_StopsAtLowestInFlight(t *testing.T) {
	tr := stream.NewOffsetTracker()
	for off := int64(10); off <= 12; off++ {
		tr.Received(at("TaskCreated-retry", 0, off))
	}

	// 11 and 12 finish while 10 is still held.
	tr.Ack([]stream.Position{at("TaskCreated-retry", 0, 11), at("TaskCreated-retry", 0, 12)})
	assert.Empty(t, tr.CommitPoints())

	tr.Ack([]stream.Position{at("TaskCreated-retry", 0, 10)})
	points := tr.CommitPoints()
	require.Len(t, points, 1)
	assert.Equal(t, int64(13), points[0].Offset)
}

func TestOffsetTracker_AdvancesContiguousPrefix(t *testing.T) {
	tr := stream.NewOffsetTracker()
	for off := int64(0); off < 5; off++ {
		tr.Received(at("TaskCreated", 0, off))
	}
	tr.Ack([]stream.Position{at("TaskCreated", 0, 0), at("TaskCreated", 0, 1), at("TaskCreated", 0, 3)})

	points := tr.CommitPoints()
	require.Len(t, points, 1)
	assert.Equal(t, int64(2), points[0].Offset)

	tr.Committed(points)
	assert.Empty(t, tr.CommitPoints())
	stored, ok := tr.Stored("TaskCreated", 0)
	require.True(t, ok)
	assert.Equal(t, int64(2), stored)
}

func TestOffsetTracker_PartitionsAreIndependent(t *testing.T) {
	tr := stream.NewOffsetTracker()
	tr.Received(at("TaskCreated", 0, 7))
	tr.Received(at("TaskCreated", 1, 3))
	tr.Received(at("TaskAssigned", 0, 0))
	tr.Ack([]stream.Position{at("TaskCreated", 1, 3), at("TaskAssigned", 0, 0)})

	points := tr.CommitPoints()
	require.Len(t, points, 2)
	assert.Equal(t, "TaskAssigned", points[0].Topic)
	assert.Equal(t, int64(1), points[0].Offset)
	assert.Equal(t, int32(1), points[1].Partition)
	assert.Equal(t, int64(4), points[1].Offset)
}

func TestOffsetTracker_IgnoresUnknownAndForgotten(t *testing.T) {
	tr := stream.NewOffsetTracker()
	tr.Ack([]stream.Position{at("TaskCreated", 0, 5)})
	assert.Empty(t, tr.CommitPoints())

	tr.Received(at("TaskCreated", 0, 5))
	tr.Forget("TaskCreated", 0)
	tr.Ack([]stream.Position{at("TaskCreated", 0, 5)})
	assert.Empty(t, tr.CommitPoints())
	_, ok := tr.Stored("TaskCreated", 0)
	assert.False(t, ok)
}

func TestOffsetTracker_RepeatedAckAfterFailedCommit(t *testing.T) {
	tr := stream.NewOffsetTracker()
	tr.Received(at("TaskCreated", 0, 0))
	tr.Ack([]stream.Position{at("TaskCreated", 0, 0)})
	first := tr.CommitPoints()

	// The broker rejected the commit; the batcher hands the same positions back.
	tr.Ack([]stream.Position{at("TaskCreated", 0, 0)})
	assert.Equal(t, first, tr.CommitPoints())
}
